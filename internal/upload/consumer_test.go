package upload

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/emidln/s3-journal/internal/clock"
	"github.com/emidln/s3-journal/internal/objectstore"
	"github.com/emidln/s3-journal/internal/position"
	"github.com/emidln/s3-journal/internal/queuestore"
)

const testTopic = "upload"

// anySizeParts forwards to a MemClient but marks every part final, so the
// tests can upload tiny parts without MemClient's 5MiB non-final minimum.
type anySizeParts struct{ *objectstore.MemClient }

func (a anySizeParts) UploadPart(ctx context.Context, key, uploadID string, partNumber int, payload []byte, last bool) (string, error) {
	return a.MemClient.UploadPart(ctx, key, uploadID, partNumber, payload, true)
}

func newTestConsumer(t *testing.T) (*Consumer, *queuestore.Store, *objectstore.MemClient, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store, err := queuestore.Open(queuestore.Options{Dir: t.TempDir(), Clock: clk})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	mem := objectstore.NewMem(clk)
	c := New(Config{
		Store:             store,
		Client:            anySizeParts{mem}, // tiny parts pass MemClient's 5MiB minimum
		Topic:             testTopic,
		KeyFunc:           func(dir string, fileNumber int64) string { return dir + "/obj-" + itoa(fileNumber) },
		MaxPartsPerObject: 2,
		MinPartSize:       1,
		Clock:             clk,
	})
	return c, store, mem, clk
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func putPayload(t *testing.T, store *queuestore.Store, p Payload) *queuestore.Task {
	t.Helper()
	raw, err := Encode(p)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	task, err := store.Put(testTopic, raw)
	if err != nil {
		t.Fatalf("put task: %v", err)
	}
	return task
}

func TestHandleStartCreatesUploadState(t *testing.T) {
	c, store, _, _ := newTestConsumer(t)
	pos := position.Position{PartIndex: 0, Directory: "2026/01/01"}
	task := putPayload(t, store, Payload{Action: position.KindStart, Position: pos})

	if err := c.handleStart(context.Background(), task, Payload{Action: position.KindStart, Position: pos}); err != nil {
		t.Fatalf("handleStart: %v", err)
	}

	key := c.objectKey(pos)
	if _, ok := c.state[key]; !ok {
		t.Fatalf("expected object state for %+v", key)
	}
	pending, err := store.Enumerate(testTopic)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected start task to be completed, got %d pending", len(pending))
	}
}

func TestHandleStartIsIdempotent(t *testing.T) {
	c, store, _, _ := newTestConsumer(t)
	pos := position.Position{PartIndex: 0, Directory: "2026/01/01"}
	task1 := putPayload(t, store, Payload{Action: position.KindStart, Position: pos})
	if err := c.handleStart(context.Background(), task1, Payload{Action: position.KindStart, Position: pos}); err != nil {
		t.Fatalf("first handleStart: %v", err)
	}
	before := c.state[c.objectKey(pos)]

	task2 := putPayload(t, store, Payload{Action: position.KindStart, Position: pos})
	if err := c.handleStart(context.Background(), task2, Payload{Action: position.KindStart, Position: pos}); err != nil {
		t.Fatalf("second handleStart: %v", err)
	}
	after := c.state[c.objectKey(pos)]
	if before != after {
		t.Fatalf("expected second start to be a no-op, got a new object state")
	}
}

func TestGateDroppedRulesByAction(t *testing.T) {
	c, _, _, _ := newTestConsumer(t)
	pos := position.Position{PartIndex: 0, Directory: "2026/01/01"}

	for _, kind := range []position.Kind{position.KindStart, position.KindFlush, position.KindSkip} {
		if c.gateDropped(Payload{Action: kind, Position: pos}) {
			t.Errorf("%v should never be gated", kind)
		}
	}
	for _, kind := range []position.Kind{position.KindConj, position.KindUpload, position.KindEnd} {
		if !c.gateDropped(Payload{Action: kind, Position: pos}) {
			t.Errorf("%v with no live object state should be gated", kind)
		}
	}
}

func TestConjAccumulatesThenUploadFlushesPart(t *testing.T) {
	c, store, mem, _ := newTestConsumer(t)
	pos := position.Position{PartIndex: 0, Directory: "2026/01/01"}
	startTask := putPayload(t, store, Payload{Action: position.KindStart, Position: pos})
	if err := c.handleStart(context.Background(), startTask, Payload{Action: position.KindStart, Position: pos}); err != nil {
		t.Fatalf("handleStart: %v", err)
	}

	conjPayload := Payload{Action: position.KindConj, Position: pos, RecordCount: 2, Data: []byte("hello")}
	conjTask := putPayload(t, store, conjPayload)
	if err := c.handleConj(conjTask, conjPayload); err != nil {
		t.Fatalf("handleConj: %v", err)
	}
	if c.Stats().Enqueued != 2 {
		t.Fatalf("expected enqueued counter 2, got %d", c.Stats().Enqueued)
	}

	uploadTask := putPayload(t, store, Payload{Action: position.KindUpload, Position: pos})
	if err := c.handleUpload(context.Background(), uploadTask, Payload{Action: position.KindUpload, Position: pos}); err != nil {
		t.Fatalf("handleUpload: %v", err)
	}

	key := c.objectKey(pos)
	part := c.state[key].Parts[pos.PartIndex]
	if !part.Uploaded {
		t.Fatalf("expected part to be marked uploaded")
	}
	if c.Stats().Uploaded != 2 {
		t.Fatalf("expected uploaded counter 2, got %d", c.Stats().Uploaded)
	}
	pending, err := store.Enumerate(testTopic)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected conj and upload tasks completed, got %d pending", len(pending))
	}
	_ = mem
}

func TestHandleUploadRetriesOnClientError(t *testing.T) {
	c, store, _, _ := newTestConsumer(t)
	pos := position.Position{PartIndex: 0, Directory: "2026/01/01"}
	startTask := putPayload(t, store, Payload{Action: position.KindStart, Position: pos})
	if err := c.handleStart(context.Background(), startTask, Payload{Action: position.KindStart, Position: pos}); err != nil {
		t.Fatalf("handleStart: %v", err)
	}
	key := c.objectKey(pos)
	// Poison the descriptor so UploadPart fails with ErrNotFound.
	c.state[key].Descriptor.UploadID = "no-such-upload"

	conjPayload := Payload{Action: position.KindConj, Position: pos, RecordCount: 1, Data: []byte("x")}
	conjTask := putPayload(t, store, conjPayload)
	if err := c.handleConj(conjTask, conjPayload); err != nil {
		t.Fatalf("handleConj: %v", err)
	}

	uploadTask := putPayload(t, store, Payload{Action: position.KindUpload, Position: pos})
	if err := c.handleUpload(context.Background(), uploadTask, Payload{Action: position.KindUpload, Position: pos}); err != nil {
		t.Fatalf("handleUpload should swallow and retry, got error: %v", err)
	}
	part := c.state[key].Parts[pos.PartIndex]
	if part.Uploaded {
		t.Fatalf("part should not be marked uploaded after a failed UploadPart")
	}
	pending, err := store.Enumerate(testTopic)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected the conj and upload tasks still pending after retry, got %d", len(pending))
	}
}

func TestHandleEndCompletesObjectWhenFullyUploaded(t *testing.T) {
	c, store, mem, _ := newTestConsumer(t)
	dir := "2026/01/01"
	pos := position.Position{PartIndex: 0, Directory: dir}
	startTask := putPayload(t, store, Payload{Action: position.KindStart, Position: pos})
	if err := c.handleStart(context.Background(), startTask, Payload{Action: position.KindStart, Position: pos}); err != nil {
		t.Fatalf("handleStart: %v", err)
	}
	key := c.objectKey(pos)
	objectKey := c.state[key].Descriptor.Key

	conjPayload := Payload{Action: position.KindConj, Position: pos, RecordCount: 1, Data: []byte("only-part")}
	conjTask := putPayload(t, store, conjPayload)
	if err := c.handleConj(conjTask, conjPayload); err != nil {
		t.Fatalf("handleConj: %v", err)
	}
	uploadTask := putPayload(t, store, Payload{Action: position.KindUpload, Position: pos})
	if err := c.handleUpload(context.Background(), uploadTask, Payload{Action: position.KindUpload, Position: pos}); err != nil {
		t.Fatalf("handleUpload: %v", err)
	}

	endTask := putPayload(t, store, Payload{Action: position.KindEnd, Position: pos})
	if err := c.handleEnd(context.Background(), endTask, Payload{Action: position.KindEnd, Position: pos}); err != nil {
		t.Fatalf("handleEnd: %v", err)
	}

	if _, ok := c.state[key]; ok {
		t.Fatalf("expected object state to be removed after completion")
	}
	body, ok := mem.Object(objectKey)
	if !ok {
		t.Fatalf("expected completed object %q in store", objectKey)
	}
	if string(body) != "only-part" {
		t.Fatalf("unexpected completed body: %q", body)
	}
}

func TestHandleEndRetriesWhenPartOutstanding(t *testing.T) {
	c, store, _, clk := newTestConsumer(t)
	dir := "2026/01/01"
	startPos := position.Position{PartIndex: 0, Directory: dir}
	startTask := putPayload(t, store, Payload{Action: position.KindStart, Position: startPos})
	if err := c.handleStart(context.Background(), startTask, Payload{Action: position.KindStart, Position: startPos}); err != nil {
		t.Fatalf("handleStart: %v", err)
	}
	key := c.objectKey(startPos)
	// More than one outstanding part means the final-part shortcut never
	// applies, forcing the "otherwise" retry-and-sleep branch.
	obj := c.state[key]
	obj.part(0) // outstanding
	obj.part(1) // outstanding

	endTask := putPayload(t, store, Payload{Action: position.KindEnd, Position: startPos})
	start := clk.Now()

	// handleEnd sleeps on the manual clock, which only advances when told
	// to: run it in the background and pump Advance until it returns.
	result := make(chan error, 1)
	go func() {
		result <- c.handleEnd(context.Background(), endTask, Payload{Action: position.KindEnd, Position: startPos})
	}()
	deadline := time.Now().Add(5 * time.Second)
	var handleEndErr error
	for {
		clk.Advance(100 * time.Millisecond)
		done := false
		select {
		case handleEndErr = <-result:
			done = true
		case <-time.After(time.Millisecond):
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handleEnd did not return after the retry sleep")
		}
	}
	if handleEndErr != nil {
		t.Fatalf("handleEnd: %v", handleEndErr)
	}
	if clk.Now().Sub(start) < time.Second {
		t.Fatalf("expected handleEnd to sleep for the retry pause on the manual clock")
	}
	if _, ok := c.state[key]; !ok {
		t.Fatalf("object state should remain open while a part is outstanding")
	}
	pending, err := store.Enumerate(testTopic)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected the end task to remain pending for redelivery, got %d", len(pending))
	}
}

func TestHandleFlushEnqueuesEndForEveryOpenObject(t *testing.T) {
	c, store, _, _ := newTestConsumer(t)
	posA := position.Position{PartIndex: 0, Directory: "2026/01/01"}
	posB := position.Position{PartIndex: 0, Directory: "2026/01/02"}
	for _, pos := range []position.Position{posA, posB} {
		task := putPayload(t, store, Payload{Action: position.KindStart, Position: pos})
		if err := c.handleStart(context.Background(), task, Payload{Action: position.KindStart, Position: pos}); err != nil {
			t.Fatalf("handleStart: %v", err)
		}
	}

	flushTask := putPayload(t, store, Payload{Action: position.KindFlush})
	if err := c.handleFlush(flushTask); err != nil {
		t.Fatalf("handleFlush: %v", err)
	}

	pending, err := store.Enumerate(testTopic)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected one end task per open object, got %d", len(pending))
	}
	for _, task := range pending {
		p, err := Decode(task.Payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.Action != position.KindEnd {
			t.Fatalf("expected an end action, got %v", p.Action)
		}
	}
}

func TestRunDrainsQueueThenStopsOnClose(t *testing.T) {
	c, store, mem, clk := newTestConsumer(t)
	dir := "2026/01/01"
	pos := position.Position{PartIndex: 0, Directory: dir}

	actions := []position.Action{
		position.Start(pos),
		position.Conj(pos, 1, 5),
		position.Upload(pos),
		position.End(pos),
	}
	for _, a := range actions {
		putPayload(t, store, FromAction(a, []byte("abcde")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, err := store.TaskStats(testTopic)
		if err != nil {
			t.Fatalf("task stats: %v", err)
		}
		if stats.Pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue did not drain in time, %d pending", stats.Pending)
		}
		time.Sleep(time.Millisecond)
	}

	// Once closing, Run waits on a bounded TakeTimeout against the manual
	// clock, which only advances when told to: pump Advance until the
	// close-drain timeout elapses and Run terminates.
	c.RequestClose()
	closeDeadline := time.Now().Add(5 * time.Second)
	for {
		clk.Advance(closeDrainTimeout)
		select {
		case <-c.Done():
			goto closed
		case <-time.After(time.Millisecond):
		}
		if time.Now().After(closeDeadline) {
			t.Fatalf("consumer did not stop after RequestClose")
		}
	}
closed:

	key := c.cfg.KeyFunc(dir, 0)
	body, ok := mem.Object(key)
	if !ok {
		t.Fatalf("expected completed object %q", key)
	}
	if string(body) != "abcde" {
		t.Fatalf("unexpected object body: %q", body)
	}
}

func TestSemaphoreReleasedOnUpload(t *testing.T) {
	c, store, _, _ := newTestConsumer(t)
	sem := semaphore.NewWeighted(10)
	if !sem.TryAcquire(3) {
		t.Fatalf("setup: could not acquire semaphore")
	}
	c.cfg.Semaphore = sem

	pos := position.Position{PartIndex: 0, Directory: "2026/01/01"}
	startTask := putPayload(t, store, Payload{Action: position.KindStart, Position: pos})
	if err := c.handleStart(context.Background(), startTask, Payload{Action: position.KindStart, Position: pos}); err != nil {
		t.Fatalf("handleStart: %v", err)
	}
	conjPayload := Payload{Action: position.KindConj, Position: pos, RecordCount: 3, Data: []byte("abc")}
	conjTask := putPayload(t, store, conjPayload)
	if err := c.handleConj(conjTask, conjPayload); err != nil {
		t.Fatalf("handleConj: %v", err)
	}
	uploadTask := putPayload(t, store, Payload{Action: position.KindUpload, Position: pos})
	if err := c.handleUpload(context.Background(), uploadTask, Payload{Action: position.KindUpload, Position: pos}); err != nil {
		t.Fatalf("handleUpload: %v", err)
	}

	if !sem.TryAcquire(10) {
		t.Fatalf("expected the 3 held permits to have been released back to the pool of 10")
	}
}
