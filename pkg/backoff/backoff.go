// Package backoff computes capped exponential retry delays.
package backoff

import (
	"context"
	"errors"
	"time"
)

// Policy is a capped exponential backoff: the n-th consecutive failure waits
// Base * 2^(n-1), never more than Max.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Validate checks that the policy has a positive base and a cap not below it.
func (p Policy) Validate() error {
	if p.Base <= 0 {
		return errors.New("backoff base must be > 0")
	}
	if p.Max < p.Base {
		return errors.New("backoff max must be >= base")
	}
	return nil
}

// Delay returns the wait after the given number of consecutive failures.
// failures <= 0 yields zero.
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 || p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < failures; i++ {
		if d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
