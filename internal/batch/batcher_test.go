package batch

import (
	"sync"
	"testing"
	"time"

	"github.com/emidln/s3-journal/internal/clock"
)

func TestPutFlushesOnMaxSize(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]any
	b := New(Options{
		MaxSize: 2,
		OnFlush: func(batch []any) {
			mu.Lock()
			flushes = append(flushes, batch)
			mu.Unlock()
		},
	})
	defer b.Close()

	b.Put("a")
	b.Put("b")
	b.Put("c") // should trigger a flush of [a, b] before enqueuing c

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 || len(flushes[0]) != 2 {
		t.Fatalf("flushes = %+v", flushes)
	}
	if flushes[0][0] != "a" || flushes[0][1] != "b" {
		t.Fatalf("unexpected flushed batch: %+v", flushes[0])
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]any
	b := New(Options{
		MaxSize: 10,
		OnFlush: func(batch []any) {
			mu.Lock()
			flushes = append(flushes, batch)
			mu.Unlock()
		},
	})
	b.Put("x")
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 || len(flushes[0]) != 1 || flushes[0][0] != "x" {
		t.Fatalf("unexpected flushes: %+v", flushes)
	}
}

func TestTimerFlushesOnManualClock(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var mu sync.Mutex
	var flushes [][]any
	b := New(Options{
		MaxLatency: time.Second,
		Clock:      clk,
		OnFlush: func(batch []any) {
			mu.Lock()
			flushes = append(flushes, batch)
			mu.Unlock()
		},
	})
	defer b.Close()

	b.Put("only")

	deadline := time.Now().Add(2 * time.Second)
	for {
		clk.Advance(time.Second)
		mu.Lock()
		n := len(flushes)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timer never fired")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushes[0]) != 1 || flushes[0][0] != "only" {
		t.Fatalf("unexpected flushed batch: %+v", flushes[0])
	}
}

func TestNilBatchIsLivenessSignal(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var mu sync.Mutex
	ticks := 0
	var sawNil bool
	b := New(Options{
		MaxLatency: time.Second,
		Clock:      clk,
		OnFlush: func(batch []any) {
			mu.Lock()
			ticks++
			if batch == nil {
				sawNil = true
			}
			mu.Unlock()
		},
	})
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		clk.Advance(time.Second)
		mu.Lock()
		done := ticks > 0
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timer never fired")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sawNil {
		t.Fatalf("expected a nil liveness-signal flush when buffer was empty")
	}
}
