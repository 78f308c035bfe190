// Package batch implements the journal's size/time-bounded accumulator
// (spec §4.1): a bounded FIFO that flushes when full, on a background
// timer, or on close, handing the drained sequence to a caller-supplied
// callback under a lock that serializes flushes against each other.
package batch

import (
	"sync"
	"time"

	"github.com/emidln/s3-journal/internal/clock"
)

// FlushFunc receives one drained batch. A nil batch is the liveness signal
// emitted by a timer tick that found nothing to flush.
type FlushFunc func(batch []any)

// Options configures a Batcher. At least one of MaxSize or MaxLatency must
// be set; a Batcher with neither never flushes on its own.
type Options struct {
	MaxSize    int // 0 disables the size trigger
	MaxLatency time.Duration
	Clock      clock.Clock // defaults to clock.Real{}
	OnFlush    FlushFunc
}

// Batcher accumulates records and flushes them in bounded-size or
// bounded-latency chunks (spec §4.1).
type Batcher struct {
	maxSize int
	onFlush FlushFunc

	bufMu sync.Mutex
	buf   []any

	flushMu sync.Mutex // serializes callback invocations

	closeOnce sync.Once
	done      chan struct{}
	ticker    clock.Ticker
}

// New builds a Batcher and starts its background timer, if MaxLatency > 0.
func New(opts Options) *Batcher {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	b := &Batcher{
		maxSize: opts.MaxSize,
		onFlush: opts.OnFlush,
		done:    make(chan struct{}),
	}
	if opts.MaxLatency > 0 {
		b.ticker = clock.NewTicker(clk, opts.MaxLatency)
		go b.runTimer()
	}
	return b
}

func (b *Batcher) runTimer() {
	for {
		select {
		case <-b.ticker.C():
			b.flush()
		case <-b.done:
			b.ticker.Stop()
			return
		}
	}
}

// Put enqueues record. If the buffer is at MaxSize, Put flushes synchronously
// before retrying the enqueue; it never drops a record.
func (b *Batcher) Put(record any) {
	for {
		b.bufMu.Lock()
		if b.maxSize <= 0 || len(b.buf) < b.maxSize {
			b.buf = append(b.buf, record)
			b.bufMu.Unlock()
			return
		}
		b.bufMu.Unlock()
		b.flush()
	}
}

// flush drains the buffer atomically and hands the drained sequence to the
// callback, serialized against any concurrent flush (timer or close).
func (b *Batcher) flush() {
	b.bufMu.Lock()
	var drained []any
	if len(b.buf) > 0 {
		drained = b.buf
		b.buf = nil
	}
	b.bufMu.Unlock()

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if b.onFlush != nil {
		b.onFlush(drained)
	}
}

// Close issues a final flush and stops the background timer.
func (b *Batcher) Close() {
	b.flush()
	b.closeOnce.Do(func() { close(b.done) })
}
