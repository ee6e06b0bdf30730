package uart

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Condition reports whether a polled register reached the wanted state.
type Condition func() (bool, error)

// Poller repeats a Condition until it holds, fails, or the poller gives up.
type Poller interface {
	Poll(ctx context.Context, cond Condition) error
}

// SpinPoller busy-waits on the condition without yielding. It ignores ctx and
// only stops on success, a condition error, or Timeout. A zero Timeout spins
// forever.
type SpinPoller struct {
	Timeout time.Duration
}

// Poll implements Poller.
func (p SpinPoller) Poll(_ context.Context, cond Condition) error {
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = time.Now().Add(p.Timeout)
	}

	for reads := 1; ; reads++ {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w after %v (%d reads)", ErrTimeout, p.Timeout, reads)
		}
	}
}

// TickPoller re-checks the condition at most once per Interval and honours
// ctx cancellation between checks. The last wait before Timeout is shortened
// so the condition always gets a final check at the deadline.
type TickPoller struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Poll implements Poller.
func (p TickPoller) Poll(ctx context.Context, cond Condition) error {
	var deadline time.Time
	if p.Timeout > 0 {
		deadline = time.Now().Add(p.Timeout)
	}

	interval := p.Interval
	if interval <= 0 {
		interval = time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for reads := 1; ; reads++ {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %v (%d reads)", ErrTimeout, p.Timeout, reads)
		}

		delay := limiter.Reserve().Delay()
		if !deadline.IsZero() {
			delay = min(delay, time.Until(deadline))
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return fmt.Errorf("uart: poll cancelled after %d reads: %w", reads, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
