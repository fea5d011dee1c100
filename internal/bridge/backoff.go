package bridge

import (
	"context"
	"time"
)

// Backoff is the retry schedule adapters use against a platform API: the
// delay starts at Base and doubles per failure up to Max.
type Backoff struct {
	Base  time.Duration
	Max   time.Duration
	Tries int // total calls, first one included
}

// Delay is the wait after failure n, counting from zero.
func (b Backoff) Delay(n int) time.Duration {
	d := b.Base
	for i := 0; i < n; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Retry calls fn until it succeeds or Tries calls have failed. After each
// failure throttled reports whether the error is worth another call and,
// optionally, the wait the platform asked for; zero means Delay.
func (b Backoff) Retry(ctx context.Context, fn func() error, throttled func(error) (time.Duration, bool)) error {
	for n := 0; ; n++ {
		err := fn()
		if err == nil {
			return nil
		}
		wait, again := throttled(err)
		if !again || n+1 >= b.Tries {
			return err
		}
		if wait <= 0 {
			wait = b.Delay(n)
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Sleep waits for d, or returns ctx's error if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
