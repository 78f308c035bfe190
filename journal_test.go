package journal

import (
	"testing"
	"time"

	"github.com/emidln/s3-journal/internal/clock"
	"github.com/emidln/s3-journal/internal/journalcfg"
	"github.com/emidln/s3-journal/internal/objectstore"
	"github.com/emidln/s3-journal/internal/position"
)

func newTestOptions(t *testing.T, clk clock.Clock, mem *objectstore.MemClient) Options {
	t.Helper()
	opts := journalcfg.Defaults()
	opts.LocalDirectory = t.TempDir()
	opts.S3Bucket = "test-bucket"
	opts.MaxBatchSize = 1
	opts.MaxBatchLatencyMS = 0
	opts.MaxQueueSize = 1000
	return Options{Options: opts, Client: mem, Clock: clk}
}

// TestSingleRecordRoundTrip is spec §8 boundary scenario S1: one small
// record, no compression, default delimiter closes into a single object
// with the expected body.
func TestSingleRecordRoundTrip(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	mem := objectstore.NewMem(clk)
	opts := newTestOptions(t, clk, mem)
	opts.ID = "host1"

	j, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ok := j.Put("hello"); !ok {
		t.Fatalf("expected Put to succeed")
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	key := j.ObjectKey("2024/01/15", 0)
	body, ok := mem.Object(key)
	if !ok {
		t.Fatalf("expected completed object %q", key)
	}
	if string(body) != "hello\n" {
		t.Fatalf("unexpected body: %q", body)
	}

	stats := j.Stats()
	if stats.Enqueued != 1 || stats.Uploaded != 1 {
		t.Fatalf("expected enqueued==uploaded==1, got %+v", stats)
	}
}

// TestCloseWaitsForUploadCompletion is spec §8 invariant 1: once Close
// returns, uploaded == enqueued for every record admitted.
func TestCloseWaitsForUploadCompletion(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	mem := objectstore.NewMem(clk)
	opts := newTestOptions(t, clk, mem)
	opts.MaxBatchSize = 5

	j, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 20; i++ {
		if !j.Put("record") {
			t.Fatalf("put %d rejected", i)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	stats := j.Stats()
	if stats.Enqueued != stats.Uploaded {
		t.Fatalf("expected enqueued == uploaded at close, got %+v", stats)
	}
	if stats.Enqueued != 20 {
		t.Fatalf("expected 20 records enqueued, got %d", stats.Enqueued)
	}
}

// TestAdmissionSemaphoreRejectsWhenFull exercises spec §4.9 admission
// control: put returns false without enqueuing when the journal is at
// capacity, and never drops data.
func TestAdmissionSemaphoreRejectsWhenFull(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	mem := objectstore.NewMem(clk)
	opts := newTestOptions(t, clk, mem)
	opts.MaxQueueSize = 2
	opts.MaxBatchSize = 100 // keep records buffered, not yet acked, so the semaphore stays held

	j, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer j.Close()

	if !j.Put("a") {
		t.Fatalf("expected first put to succeed")
	}
	if !j.Put("b") {
		t.Fatalf("expected second put to succeed")
	}
	if j.Put("c") {
		t.Fatalf("expected third put to be rejected at capacity")
	}
}

// TestPutAfterClosePanics is spec §7: "close after close(): fatal to the
// caller".
func TestPutAfterClosePanics(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	mem := objectstore.NewMem(clk)
	opts := newTestOptions(t, clk, mem)

	j, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected Put after Close to panic")
		}
	}()
	j.Put("too late")
}

// TestRecoveryResumesAtNextFreshObject is spec §8 boundary scenario S5 plus
// §4.5 step 4: a record durably enqueued but not yet uploaded before a
// crash must finish in its original object on restart, and new writes
// after restart must land in the next fresh object — recovered and fresh
// writes must never interleave.
func TestRecoveryResumesAtNextFreshObject(t *testing.T) {
	clk := clock.NewManual(time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	mem := objectstore.NewMem(clk)
	opts := newTestOptions(t, clk, mem)
	opts.MaxBatchSize = 0
	opts.MaxBatchLatencyMS = 1000
	opts.ID = "host1"

	j1, err := New(opts)
	if err != nil {
		t.Fatalf("New (pre-crash): %v", err)
	}
	if ok := j1.Put("first"); !ok {
		t.Fatalf("expected first put to succeed")
	}

	// Drive the batcher's timer past its latency so "first" flushes into a
	// conj task, then wait for the consumer to drain the initial Start,
	// leaving only the pending conj (it never reaches MinPartSize, so it
	// is never uploaded) before simulating a crash.
	deadline := time.Now().Add(5 * time.Second)
	for {
		clk.Advance(time.Second)
		tasks, err := j1.store.Enumerate(topic)
		if err != nil {
			t.Fatalf("enumerate: %v", err)
		}
		if len(tasks) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for start to drain, pending=%d", len(tasks))
		}
		time.Sleep(time.Millisecond)
	}

	// Simulate a crash: stop the consumer loop without flushing or closing,
	// so the pending conj task's file is left exactly as a real process
	// death would leave it, then reopen a journal against the same store.
	j1.consumerCancel()
	<-j1.consumer.Done()

	j2, err := New(opts)
	if err != nil {
		t.Fatalf("New (post-crash): %v", err)
	}

	wantStartPart := position.FirstPartOfObject(position.FileNumber(0, objectstore.MaxPartsPerObject)+1, objectstore.MaxPartsPerObject)
	if j2.pos.PartIndex != wantStartPart {
		t.Fatalf("expected recovery to resume at part %d, got %d", wantStartPart, j2.pos.PartIndex)
	}

	if ok := j2.Put("second"); !ok {
		t.Fatalf("expected second put to succeed")
	}
	if err := j2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	oldKey := j2.ObjectKey("2024/01/15", 0)
	oldBody, ok := mem.Object(oldKey)
	if !ok {
		t.Fatalf("expected the recovered object %q to have been completed", oldKey)
	}
	if string(oldBody) != "first\n" {
		t.Fatalf("recovered object body = %q, want %q", oldBody, "first\n")
	}

	newKey := j2.ObjectKey("2024/01/15", 1)
	newBody, ok := mem.Object(newKey)
	if !ok {
		t.Fatalf("expected the fresh object %q to have been completed", newKey)
	}
	if string(newBody) != "second\n" {
		t.Fatalf("fresh object body = %q, want %q", newBody, "second\n")
	}
}
