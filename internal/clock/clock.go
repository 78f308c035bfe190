package clock

import "time"

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Sleep blocks for at least the supplied duration.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Ticker abstracts a recurring timer so callers can swap in Manual during
// tests without waiting on wall-clock ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewTicker returns a Ticker backed by the standard library when clk is Real,
// or a manual ticker driven by clk.After when clk is a test double.
func NewTicker(clk Clock, d time.Duration) Ticker {
	if _, ok := clk.(Real); ok {
		return realTicker{t: time.NewTicker(d)}
	}
	return newManualTicker(clk, d)
}
