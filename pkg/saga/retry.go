package saga

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of transient step failures. Backoff grows by
// BackoffFactor per attempt, capped at MaxBackoff, with up to Jitter
// fraction of random spread so concurrent sagas do not retry in lockstep.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64
}

// DefaultRetryPolicy returns the policy applied to steps that configure
// none: three attempts, 100ms initial backoff doubling to a 5s cap, 20%
// jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 5 * time.Second
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// backoffForAttempt computes the delay before retrying attempt (0-based
// count of failures so far).
func backoffForAttempt(p RetryPolicy, attempt int) time.Duration {
	p = p.withDefaults()

	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffFactor, float64(attempt))
	if capped := float64(p.MaxBackoff); backoff > capped {
		backoff = capped
	}
	if p.Jitter > 0 {
		spread := backoff * p.Jitter
		backoff = backoff - spread/2 + rand.Float64()*spread
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
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
