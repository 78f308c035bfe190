package upload

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/emidln/s3-journal/internal/clock"
	"github.com/emidln/s3-journal/internal/objectstore"
	"github.com/emidln/s3-journal/internal/position"
	"github.com/emidln/s3-journal/internal/queuestore"
	"github.com/emidln/s3-journal/internal/retrypolicy"
)

// KeyFunc builds the S3 object key for a directory and file number.
type KeyFunc func(directory string, fileNumber int64) string

// Config wires a Consumer to its collaborators.
type Config struct {
	Store             *queuestore.Store
	Client            objectstore.Client
	Topic             string
	KeyFunc           KeyFunc
	MaxPartsPerObject int64
	MinPartSize       int64
	Clock             clock.Clock
	Logger            *zap.Logger
	Semaphore         *semaphore.Weighted
	Sweep             func(ctx context.Context) error
	SweepInterval     time.Duration // default 1 hour (spec §4.6 step 1)
}

// Consumer is the single loop that owns upload_state (spec §4.6). Exactly
// one Consumer runs per journal instance; every S3 mutation it performs is
// serialized through this loop.
type Consumer struct {
	cfg   Config
	clk   clock.Clock
	log   *zap.Logger
	state map[ObjectKey]*ObjectState

	lastSweep time.Time
	closing   atomic.Bool
	done      chan struct{}

	enqueuedCounter atomic.Int64
	uploadedCounter atomic.Int64
}

// New builds a Consumer. State is empty; call Recover before Run to
// rebuild it from a prior crash (spec §4.5).
func New(cfg Config) *Consumer {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.MinPartSize <= 0 {
		cfg.MinPartSize = objectstore.MinPartSize
	}
	return &Consumer{
		cfg:   cfg,
		clk:   clk,
		log:   log.Named("upload_consumer"),
		state: make(map[ObjectKey]*ObjectState),
		done:  make(chan struct{}),
	}
}

// Stats reports the consumer's running counters, used by the journal's
// public Stats() (spec §4.9).
type Stats struct {
	Enqueued int64
	Uploaded int64
}

func (c *Consumer) Stats() Stats {
	return Stats{Enqueued: c.enqueuedCounter.Load(), Uploaded: c.uploadedCounter.Load()}
}

// RequestClose sets the close-latch: the next iteration of Run switches to
// a bounded take and terminates once the queue drains (spec §4.9 close,
// §4.6 step 2).
func (c *Consumer) RequestClose() {
	c.closing.Store(true)
}

// Done reports whether Run has terminated.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) objectKey(p position.Position) ObjectKey {
	fileNumber := position.FileNumber(p.PartIndex, c.cfg.MaxPartsPerObject)
	firstPart := position.FirstPartOfObject(fileNumber, c.cfg.MaxPartsPerObject)
	return ObjectKey{FirstPart: firstPart, Directory: p.Directory}
}

const (
	closeDrainTimeout = 5 * time.Second
	retryPause        = time.Second
)

// Run drives the consumer loop until ctx is cancelled or, after
// RequestClose, the durable queue drains (spec §4.6).
func (c *Consumer) Run(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}
		c.maybeSweep(ctx)

		var task *queuestore.Task
		var err error
		if c.closing.Load() {
			task, err = c.cfg.Store.TakeTimeout(c.cfg.Topic, closeDrainTimeout)
			if err == nil && task == queuestore.Sentinel {
				return
			}
		} else {
			// Bounded here too, so a RequestClose that arrives while the
			// queue is idle is seen on the next iteration.
			task, err = c.cfg.Store.TakeTimeout(c.cfg.Topic, closeDrainTimeout)
			if err == nil && task == queuestore.Sentinel {
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("take failed", zap.Error(err))
			c.clk.Sleep(retryPause)
			continue
		}

		payload, decodeErr := Decode(task.Payload)
		if decodeErr != nil {
			c.log.Error("undecodable task, skipping", zap.Error(decodeErr), zap.Uint64("seq", task.Seq))
			_ = c.cfg.Store.Complete(task)
			continue
		}

		if c.gateDropped(payload) {
			c.log.Debug("no live descriptor for object, dropping task", zap.Stringer("action", payload.Action), zap.Uint64("seq", task.Seq))
			_ = c.cfg.Store.Complete(task)
			continue
		}

		if err := c.dispatch(ctx, task, payload); err != nil {
			c.log.Warn("dispatch error, retrying", zap.Error(err), zap.Stringer("action", payload.Action))
			_ = c.cfg.Store.Retry(task)
			c.clk.Sleep(retryPause)
		}
	}
}

func (c *Consumer) maybeSweep(ctx context.Context) {
	if c.cfg.Sweep == nil {
		return
	}
	now := c.clk.Now()
	if !c.lastSweep.IsZero() && now.Sub(c.lastSweep) < c.cfg.SweepInterval {
		return
	}
	c.lastSweep = now
	if err := c.cfg.Sweep(ctx); err != nil {
		c.log.Warn("sweep failed", zap.Error(err))
	}
}

// gateDropped implements spec §4.6 step 4: a task addressing an object
// with no live descriptor is dropped unless it's a start or flush (which
// are what create that descriptor in the first place) or a skip.
func (c *Consumer) gateDropped(p Payload) bool {
	if p.Action == position.KindStart || p.Action == position.KindFlush || p.Action == position.KindSkip {
		return false
	}
	_, ok := c.state[c.objectKey(p.Position)]
	return !ok
}

func (c *Consumer) dispatch(ctx context.Context, task *queuestore.Task, p Payload) error {
	switch p.Action {
	case position.KindStart:
		return c.handleStart(ctx, task, p)
	case position.KindConj:
		return c.handleConj(task, p)
	case position.KindUpload:
		return c.handleUpload(ctx, task, p)
	case position.KindEnd:
		return c.handleEnd(ctx, task, p)
	case position.KindFlush:
		return c.handleFlush(task)
	case position.KindSkip:
		return c.cfg.Store.Complete(task)
	default:
		c.log.Error("unknown action, skipping", zap.Stringer("action", p.Action))
		return c.cfg.Store.Complete(task)
	}
}

func (c *Consumer) handleStart(ctx context.Context, task *queuestore.Task, p Payload) error {
	key := c.objectKey(p.Position)
	if _, exists := c.state[key]; exists {
		return c.cfg.Store.Complete(task)
	}
	fileNumber := position.FileNumber(p.Position.PartIndex, c.cfg.MaxPartsPerObject)
	objectKey := c.cfg.KeyFunc(p.Position.Directory, fileNumber)

	err := retrypolicy.Do(ctx, c.clk, retrypolicy.Constant(retryPause), func(ctx context.Context) error {
		uploadID, err := c.cfg.Client.InitiateMultipartUpload(ctx, objectKey)
		if err != nil {
			return err
		}
		c.state[key] = newObjectState(Descriptor{Key: objectKey, UploadID: uploadID})
		return nil
	})
	if err != nil {
		// ctx cancellation during an unbounded retry; surface it so Run exits cleanly.
		return err
	}
	return c.cfg.Store.Complete(task)
}

func (c *Consumer) handleConj(task *queuestore.Task, p Payload) error {
	if p.RecordCount == 0 {
		return c.cfg.Store.Complete(task)
	}
	key := c.objectKey(p.Position)
	obj := c.state[key] // gating guarantees presence
	part := obj.part(p.Position.PartIndex)
	part.Tasks = append(part.Tasks, task)
	c.enqueuedCounter.Add(int64(p.RecordCount))
	return nil // not acked: the upload that flushes this part will ack it
}

func (c *Consumer) handleUpload(ctx context.Context, task *queuestore.Task, p Payload) error {
	key := c.objectKey(p.Position)
	obj := c.state[key]
	part := obj.part(p.Position.PartIndex)

	var payload []byte
	var decoded []Payload
	for _, t := range part.Tasks {
		dp, err := Decode(t.Payload)
		if err != nil {
			return err
		}
		decoded = append(decoded, dp)
		payload = append(payload, dp.Data...)
	}

	partNumber := position.PartNumberWithinObject(p.Position.PartIndex, c.cfg.MaxPartsPerObject)
	etag, err := c.cfg.Client.UploadPart(ctx, obj.Descriptor.Key, obj.Descriptor.UploadID, partNumber, payload, false)
	if err != nil {
		return c.cfg.Store.Retry(task)
	}

	part.Uploaded = true
	part.ETag = etag
	part.PartNumber = partNumber

	var total int64
	for i, t := range part.Tasks {
		if err := c.cfg.Store.Complete(t); err != nil {
			c.log.Warn("complete task after upload failed", zap.Error(err))
		}
		total += int64(decoded[i].RecordCount)
	}
	part.Tasks = nil
	c.uploadedCounter.Add(total)
	if c.cfg.Semaphore != nil {
		c.cfg.Semaphore.Release(total)
	}
	return c.cfg.Store.Complete(task)
}

func (c *Consumer) handleEnd(ctx context.Context, task *queuestore.Task, p Payload) error {
	key := c.objectKey(p.Position)
	obj := c.state[key]
	nonUploaded := obj.nonUploaded()

	if len(nonUploaded) == 0 {
		return c.completeObject(ctx, task, key, obj)
	}

	lastSlot := int64(len(obj.Parts)) - 1
	if len(nonUploaded) == 1 && nonUploaded[0]%c.cfg.MaxPartsPerObject == lastSlot {
		if err := c.uploadFinalPart(ctx, obj, nonUploaded[0]); err == nil {
			return c.completeObject(ctx, task, key, obj)
		}
	}

	// Wait for outstanding upload actions to drain (spec §4.6 "end", otherwise case).
	if err := c.cfg.Store.Retry(task); err != nil {
		return err
	}
	c.clk.Sleep(retryPause)
	return nil
}

func (c *Consumer) uploadFinalPart(ctx context.Context, obj *ObjectState, partIndex int64) error {
	part := obj.part(partIndex)
	var payload []byte
	var decoded []Payload
	for _, t := range part.Tasks {
		dp, err := Decode(t.Payload)
		if err != nil {
			return err
		}
		decoded = append(decoded, dp)
		payload = append(payload, dp.Data...)
	}
	partNumber := position.PartNumberWithinObject(partIndex, c.cfg.MaxPartsPerObject)
	etag, err := c.cfg.Client.UploadPart(ctx, obj.Descriptor.Key, obj.Descriptor.UploadID, partNumber, payload, true)
	if err != nil {
		return err
	}
	part.Uploaded = true
	part.ETag = etag
	part.PartNumber = partNumber
	var total int64
	for i, t := range part.Tasks {
		if err := c.cfg.Store.Complete(t); err != nil {
			c.log.Warn("complete task after final-part upload failed", zap.Error(err))
		}
		total += int64(decoded[i].RecordCount)
	}
	part.Tasks = nil
	c.uploadedCounter.Add(total)
	if c.cfg.Semaphore != nil {
		c.cfg.Semaphore.Release(total)
	}
	return nil
}

func (c *Consumer) completeObject(ctx context.Context, task *queuestore.Task, key ObjectKey, obj *ObjectState) error {
	parts := make([]objectstore.Part, 0, len(obj.Parts))
	for _, p := range obj.Parts {
		parts = append(parts, objectstore.Part{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	if err := c.cfg.Client.CompleteMultipartUpload(ctx, obj.Descriptor.Key, obj.Descriptor.UploadID, parts); err != nil {
		return err
	}
	if err := c.cfg.Store.Complete(task); err != nil {
		return err
	}
	delete(c.state, key)
	return nil
}

func (c *Consumer) handleFlush(task *queuestore.Task) error {
	for key := range c.state {
		payload, err := Encode(Payload{Action: position.KindEnd, Position: position.Position{BytesInPart: 0, PartIndex: key.FirstPart, Directory: key.Directory}})
		if err != nil {
			return err
		}
		if _, err := c.cfg.Store.Put(c.cfg.Topic, payload); err != nil {
			return err
		}
	}
	return c.cfg.Store.Complete(task)
}
