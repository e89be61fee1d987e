// Package backoff computes retry delays for failed delivery attempts.
package backoff

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

const maxShift = 62

// Policy is an exponential schedule: attempt n waits Base * 2^(n-1), capped at Max.
// A zero Max means uncapped.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the retry that follows attempt n (1-based).
// Attempts below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	d := Exponential(p.Base, attempt-1)
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Exponential returns base * 2^shift with overflow protection.
func Exponential(base time.Duration, shift int) time.Duration {
	if base <= 0 {
		return 0
	}
	if shift < 0 {
		shift = 0
	} else if shift > maxShift {
		shift = maxShift
	}
	mult := int64(1) << shift
	if int64(base) > math.MaxInt64/mult {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * mult)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sleep interrupted")
	}
}
