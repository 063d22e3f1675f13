package index

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker wrapping an Indexer.
type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.MaxRequests == 0 {
		s.MaxRequests = 3
	}
	if s.Interval <= 0 {
		s.Interval = time.Minute
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.FailureRatio <= 0 || s.FailureRatio > 1 {
		s.FailureRatio = 0.6
	}
	if s.MinRequests == 0 {
		s.MinRequests = 5
	}
	return s
}

// Breaker wraps an Indexer with a circuit breaker so a misbehaving
// indexing backend sheds load fast instead of burning the derived step's
// retry budget on every saga.
type Breaker struct {
	next Indexer
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with the given settings.
func NewBreaker(next Indexer, settings BreakerSettings) *Breaker {
	settings = settings.withDefaults()
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "indexer",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= settings.FailureRatio
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Reindex forwards through the breaker.
func (b *Breaker) Reindex(ctx context.Context, recordID string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Reindex(ctx, recordID)
	})
	return err
}

// Remove forwards through the breaker.
func (b *Breaker) Remove(ctx context.Context, recordID string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Remove(ctx, recordID)
	})
	return err
}

// State returns the breaker state for observability.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
