// Package retry provides a small exponential-backoff helper for
// idempotent operations.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Do invokes fn up to attempts times, sleeping base*2^n plus jitter between
// tries. It returns nil on the first success, the last error otherwise.
// Only wrap operations that are safe to repeat: reads, presigns, probes.
func Do(ctx context.Context, attempts int, base time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		delay := base << uint(i)
		delay += time.Duration(rand.Int63n(int64(base)))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
