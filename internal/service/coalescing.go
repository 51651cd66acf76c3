package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/aqi-forecast-service/internal/observability"
)

// requestCoalescer prevents cache stampede by sharing one computation among concurrent callers
// for the same key. A caller stops waiting after timeout or when its context ends; the computation
// itself keeps running for anyone else still waiting.
type requestCoalescer[T any] struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer[T any](timeout time.Duration) *requestCoalescer[T] {
	return &requestCoalescer[T]{timeout: timeout}
}

// GetOrDo runs fn for key unless a call for key is already in flight, in which case it waits for that result.
func (rc *requestCoalescer[T]) GetOrDo(ctx context.Context, key string, fn func() (T, error)) (T, error) {
	start := time.Now()
	ch := rc.group.DoChan(key, func() (any, error) {
		return fn()
	})

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	var zero T
	select {
	case res := <-ch:
		if res.Shared {
			observability.RequestCoalescingHitsTotal.Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(start).Seconds())
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-waitCtx.Done():
		return zero, waitCtx.Err()
	}
}
