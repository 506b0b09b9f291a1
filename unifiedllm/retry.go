package unifiedllm

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy is exponential backoff over retryable errors.
type RetryPolicy struct {
	MaxRetries int // attempts after the first
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	// OnRetry, if set, is called before each wait.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy retries twice starting at one second, doubling up to a
// minute, with jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay is the wait before retry attempt n, counting from 0.
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n))
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	if p.Jitter {
		d *= 0.5 + rand.Float64()
	}
	return time.Duration(d)
}

// RetryMiddleware retries failed calls under policy. A rate limit that asks
// for a longer wait than MaxDelay is returned immediately.
func RetryMiddleware(policy RetryPolicy) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (*Response, error) {
			resp, err := next(ctx, req)
			for attempt := 0; err != nil && attempt < policy.MaxRetries; attempt++ {
				if !IsRetryable(err) {
					return nil, err
				}

				delay := policy.Delay(attempt)
				var pe *ProviderError
				if errors.As(err, &pe) && pe.RetryAfter > 0 {
					if policy.MaxDelay > 0 && pe.RetryAfter > policy.MaxDelay {
						return nil, err
					}
					delay = pe.RetryAfter
				}
				if policy.OnRetry != nil {
					policy.OnRetry(err, attempt+1, delay)
				}

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}
