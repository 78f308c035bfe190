// Package journal is a reliable, high-throughput journal to an
// S3-compatible object store (spec §1): producers submit discrete records,
// the journal batches, optionally compresses, and streams them to
// time-partitioned objects using S3's multipart upload API, surviving
// process crashes without data loss and without violating the object
// store's part-size rules.
package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/emidln/s3-journal/internal/batch"
	"github.com/emidln/s3-journal/internal/clock"
	"github.com/emidln/s3-journal/internal/directoryfmt"
	"github.com/emidln/s3-journal/internal/frame"
	"github.com/emidln/s3-journal/internal/hostid"
	"github.com/emidln/s3-journal/internal/journalcfg"
	"github.com/emidln/s3-journal/internal/logging"
	"github.com/emidln/s3-journal/internal/metrics"
	"github.com/emidln/s3-journal/internal/objectstore"
	"github.com/emidln/s3-journal/internal/position"
	"github.com/emidln/s3-journal/internal/queuestore"
	"github.com/emidln/s3-journal/internal/sweep"
	"github.com/emidln/s3-journal/internal/upload"
)

// topic is the single durable-queue topic a journal instance uses; one
// Store directory belongs to exactly one journal (or shard) instance, so
// there is no need to partition further by topic name.
const topic = "upload"

// Stats reports a journal's running counters (spec §4.9).
type Stats struct {
	Enqueued int64
	Uploaded int64
	Queue    queuestore.Stats
}

// Options configures a single (unsharded) journal instance. Embeds the
// typed configuration surface of spec §6; Client and Clock let tests and
// cmd/journal's --store=mem smoke mode substitute collaborators without
// touching the network or wall clock.
type Options struct {
	journalcfg.Options

	// Client overrides the object-store client built from S3 options.
	// Required when S3Bucket-derived construction is not desired (e.g.
	// tests, or --store=mem).
	Client objectstore.Client

	// Clock overrides the wall clock driving directory rollover, the
	// batcher's latency timer, and retry backoff. Defaults to clock.Real{}.
	// The durable queue always runs on the real clock.
	Clock clock.Clock

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Journal is one configured pipeline instance (spec glossary "Journal"):
// admission control, a batcher, an encoder, a durable spill queue, and a
// single consumer loop that drives the per-object multipart upload state
// machine.
type Journal struct {
	log *zap.Logger
	clk clock.Clock

	store     *queuestore.Store
	framer    *frame.Framer
	format    directoryfmt.Format
	id        string
	suffix    string
	keyFunc   upload.KeyFunc
	semaphore *semaphore.Weighted

	batcher  *batch.Batcher
	consumer *upload.Consumer

	consumerCancel context.CancelFunc

	// pos is mutated only inside the batcher's flush callback, which the
	// batcher itself serializes against concurrent/timer-driven flushes
	// (spec §3 Lifecycle, §4.1 Concurrency). New seeds it directly with the
	// real current directory and the part index Recover computed (spec
	// §4.5 step 4), and enqueues the matching Start action itself, rather
	// than routing the seed through position.Advance's directory-changed
	// branch: that branch always resets PartIndex to 0 (correct for a
	// genuine day rollover, spec §4.3 rule 1), which would discard a
	// nonzero recovered part index on the very first post-restart flush.
	pos position.Position

	closed atomic.Bool
	closeOnce sync.Once
}

// New builds and starts a Journal: it opens the durable queue, recovers
// any in-flight multipart uploads and pending backlog from a prior crash
// (spec §4.5), and starts the single consumer loop (spec §4.6).
func New(opts Options) (*Journal, error) {
	if err := opts.Options.Validate(); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	log := logging.Ensure(opts.Logger)

	format, err := directoryfmt.Parse(opts.S3DirectoryFormat)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	id := opts.ID
	if id == "" {
		id = hostid.Default()
	}

	compressor := opts.CustomCompressor
	if compressor == nil {
		compressor, err = frame.NewCompressor(frame.CompressorSpec{Name: opts.Compressor})
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}
	framer, err := frame.New(frame.Options{
		Encoder:    opts.Encoder,
		Delimiter:  opts.DelimiterBytes(),
		Sized:      opts.Sized,
		Compressor: compressor,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	suffix := opts.Suffix
	if suffix == "" {
		suffix = framer.Suffix()
	}

	store, err := queuestore.Open(queuestore.Options{Dir: opts.LocalDirectory, FsyncPut: opts.Fsync})
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	client := opts.Client
	if client == nil {
		s3client, err := objectstore.New(objectstore.Config{
			Endpoint: opts.S3Endpoint,
			Region:   opts.S3Region,
			Bucket:   opts.S3Bucket,
			Insecure: opts.S3Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		client = s3client
	}

	var sem *semaphore.Weighted
	if opts.MaxQueueSize > 0 {
		sem = semaphore.NewWeighted(int64(opts.MaxQueueSize))
	}

	keyFunc := func(directory string, fileNumber int64) string {
		return directoryfmt.ObjectKey(format.BucketPrefix(), directory, id, fileNumber, suffix)
	}

	swp := sweep.New(sweep.Config{
		Client:     client,
		Format:     format,
		Expiration: opts.Expiration(),
		Logger:     log,
		Metrics:    opts.Metrics,
		Now:        clk.Now,
	})
	var sweepFn func(context.Context) error
	if swp != nil {
		sweepFn = swp.Run
	}

	consumer := upload.New(upload.Config{
		Store:             store,
		Client:            client,
		Topic:             topic,
		KeyFunc:           keyFunc,
		MaxPartsPerObject: objectstore.MaxPartsPerObject,
		MinPartSize:       objectstore.MinPartSize,
		Clock:             clk,
		Logger:            log,
		Semaphore:         sem,
		Sweep:             sweepFn,
	})

	j := &Journal{
		log:       log.Named("journal"),
		clk:       clk,
		store:     store,
		framer:    framer,
		format:    format,
		id:        id,
		suffix:    suffix,
		keyFunc:   keyFunc,
		semaphore: sem,
		consumer:  consumer,
	}

	ctx, cancel := context.WithCancel(context.Background())
	startPart, err := consumer.Recover(ctx, format.BucketPrefix())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("journal: recover: %w", err)
	}
	j.pos = position.Position{
		BytesInPart: 0,
		PartIndex:   startPart,
		Directory:   format.Directory(clk.Now()),
	}
	// The object addressed by j.pos has never been started (Recover only
	// reconstructs descriptors for objects S3 already knows about; the
	// resumed/fresh part index is deliberately the next object neither
	// recovery nor any prior run has opened). Enqueue its Start explicitly,
	// ahead of any batcher flush, so the consumer's gating rule (spec §4.6
	// step 4) never sees a conj/upload/end for it before a descriptor
	// exists.
	startPayload, err := upload.Encode(upload.Payload{Action: position.KindStart, Position: j.pos})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("journal: encode start action: %w", err)
	}
	if _, err := store.Put(topic, startPayload); err != nil {
		cancel()
		return nil, fmt.Errorf("journal: enqueue start action: %w", err)
	}

	j.consumerCancel = cancel
	go consumer.Run(ctx)

	j.batcher = batch.New(batch.Options{
		MaxSize:    opts.MaxBatchSize,
		MaxLatency: opts.BatchLatency(),
		Clock:      clk,
		OnFlush:    j.onFlush,
	})

	return j, nil
}

// Put submits x for journaling (spec §4.9). It returns false, without
// error, when the journal is at its configured admission capacity — the
// caller should apply its own backpressure. Put after Close panics, per
// spec §7 ("close after close(): fatal to the caller").
func (j *Journal) Put(x any) bool {
	if j.closed.Load() {
		panic("journal: put called after close")
	}
	if j.semaphore != nil && !j.semaphore.TryAcquire(1) {
		return false
	}
	j.batcher.Put(x)
	return true
}

// onFlush is the batcher's flush callback (spec §4.1, §4.3): it encodes
// the drained batch, advances the journal's position, and durably
// enqueues the resulting actions in the emission order position.Advance
// returns. A nil/empty batch is the timer's liveness signal and is
// intentionally a no-op: it must not mutate pos or enqueue anything.
func (j *Journal) onFlush(batch []any) {
	if len(batch) == 0 {
		return
	}
	payload, err := j.framer.Encode(batch)
	if err != nil {
		j.log.Error("encode batch failed, records lost", zap.Error(err), zap.Int("count", len(batch)))
		return
	}
	newDirectory := j.format.Directory(j.clk.Now())
	nextPos, actions := position.Advance(j.pos, newDirectory, int64(len(payload)), len(batch), objectstore.MinPartSize, objectstore.MaxPartsPerObject)
	j.pos = nextPos

	for _, a := range actions {
		data := payload
		if a.Kind != position.KindConj {
			data = nil
		}
		encoded, err := upload.Encode(upload.FromAction(a, data))
		if err != nil {
			j.log.Error("encode action failed, records lost", zap.Error(err), zap.Stringer("action", a.Kind))
			continue
		}
		if _, err := j.store.Put(topic, encoded); err != nil {
			j.log.Error("enqueue action failed, records lost", zap.Error(err), zap.Stringer("action", a.Kind))
		}
	}
}

// ObjectKey returns the S3 key the journal would use for the given
// directory and file number, for diagnostics and tests.
func (j *Journal) ObjectKey(directory string, fileNumber int64) string {
	return j.keyFunc(directory, fileNumber)
}

// Stats returns the journal's running counters (spec §4.9).
func (j *Journal) Stats() Stats {
	cs := j.consumer.Stats()
	qs, _ := j.store.TaskStats(topic)
	return Stats{Enqueued: cs.Enqueued, Uploaded: cs.Uploaded, Queue: qs}
}

// Close closes the batcher (issuing a final flush), enqueues a flush
// action so every open object is completed, sets the close-latch, and
// waits for the consumer loop to terminate (spec §4.9).
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		j.batcher.Close()

		flushPayload, encErr := upload.Encode(upload.Payload{Action: position.KindFlush})
		if encErr != nil {
			err = fmt.Errorf("journal: encode flush action: %w", encErr)
			return
		}
		if _, putErr := j.store.Put(topic, flushPayload); putErr != nil {
			err = fmt.Errorf("journal: enqueue flush action: %w", putErr)
			return
		}

		j.consumer.RequestClose()
		<-j.consumer.Done()
		j.consumerCancel()
	})
	return err
}
