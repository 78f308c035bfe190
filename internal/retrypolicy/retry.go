// Package retrypolicy implements the backoff policies the consumer loop
// uses for its "retry forever" and "retry with a pause" error-handling
// rules (spec §4.6, §7).
package retrypolicy

import (
	"context"
	"time"

	"github.com/emidln/s3-journal/internal/clock"
)

// Policy controls retry spacing. MaxAttempts <= 0 means retry forever.
// Multiplier <= 1 produces a constant interval; the consumer's "retry
// forever at 1Hz" and "retry, sleep 1s" rules both use constant policies.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Constant returns a policy that retries forever at a fixed interval.
func Constant(interval time.Duration) Policy {
	return Policy{BaseDelay: interval, MaxDelay: interval, Multiplier: 1}
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Do invokes fn until it returns nil, ctx is cancelled, or MaxAttempts is
// exhausted (if positive). It sleeps via clk between attempts so tests can
// drive it with a clock.Manual instead of waiting on real timers.
func Do(ctx context.Context, clk clock.Clock, p Policy, fn func(context.Context) error) error {
	p = p.normalized()
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		clk.Sleep(delay)
		next := time.Duration(float64(delay) * p.Multiplier)
		if next > p.MaxDelay {
			next = p.MaxDelay
		}
		delay = next
	}
}
