// Package retry wraps transient-fault detection and exponential backoff
// around any operation in the store protocol and the fan-out executor,
// emitting a retry event before each re-attempt so callers can log or
// count them.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sharding-system/pkg/mserrors"
)

// Policy configures an Engine's backoff shape.
type Policy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Base        time.Duration
}

// DefaultPolicy mirrors the defaults a shard map manager ships with:
// five attempts, a 2s first wait (Base; MinBackoff's 100ms is used only
// when Base is zero), doubling each retry up to the 30s ceiling.
var DefaultPolicy = Policy{
	MaxAttempts: 5,
	MinBackoff:  100 * time.Millisecond,
	MaxBackoff:  30 * time.Second,
	Base:        2 * time.Second,
}

// TransientDetector reports whether err is worth retrying.
type TransientDetector func(err error) bool

// DefaultTransientDetector treats mserrors of kind StorageOperationFailure,
// Timeout or GlobalStoreVersionMismatch as transient; everything else,
// including context cancellation, is terminal.
func DefaultTransientDetector(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var me *mserrors.Error
	if errors.As(err, &me) {
		switch me.Kind {
		case mserrors.KindStorageOperationFailure, mserrors.KindTimeout, mserrors.KindGlobalStoreVersionMismatch:
			return true
		default:
			return false
		}
	}
	// Unrecognized errors (network hiccups bubbling up from a driver,
	// not yet wrapped as mserrors) are assumed transient.
	return true
}

// Event describes one retry attempt, fired just before the engine sleeps
// and re-invokes the wrapped operation.
type Event struct {
	Attempt int
	Wait    time.Duration
	Err     error
}

// EventFunc observes retry Events.
type EventFunc func(Event)

// Engine retries an operation under Policy using an exponential backoff
// with jitter, stopping at MaxAttempts or on a non-transient error.
type Engine struct {
	Policy    Policy
	Transient TransientDetector
	OnRetry   EventFunc
}

// NewDefaultEngine builds an Engine with DefaultPolicy and
// DefaultTransientDetector.
func NewDefaultEngine() *Engine {
	return &Engine{Policy: DefaultPolicy, Transient: DefaultTransientDetector}
}

// NewEngine builds an Engine with an explicit policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{Policy: policy, Transient: DefaultTransientDetector}
}

// Do runs op, retrying on transient failures per e.Policy. The first
// wait is Base (MinBackoff when Base is zero) and each later wait
// doubles, with the doubling capped at MaxBackoff; every wait is then
// randomized to within ±50% of that value, so a wait can exceed
// MaxBackoff by up to half. No separate jitter bounded by MinBackoff is
// added.
func (e *Engine) Do(ctx context.Context, op func(ctx context.Context) error) error {
	detector := e.Transient
	if detector == nil {
		detector = DefaultTransientDetector
	}
	policy := e.Policy
	if policy.MaxAttempts == 0 {
		policy = DefaultPolicy
	}

	b := e.backoffFor(policy)
	b = backoff.WithContext(b, ctx)

	var lastErr error
	attempt := 0
	for {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !detector(err) || attempt >= policy.MaxAttempts {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return lastErr
		}
		if e.OnRetry != nil {
			e.OnRetry(Event{Attempt: attempt, Wait: wait, Err: err})
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// backoffFor adapts Policy onto backoff.ExponentialBackOff, disabling its
// own max-elapsed-time cutoff since MaxAttempts governs attempt count.
func (e *Engine) backoffFor(policy Policy) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.MinBackoff
	eb.MaxInterval = policy.MaxBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0
	if policy.Base > 0 {
		eb.InitialInterval = policy.Base
	}
	eb.Reset()
	return eb
}

// jitter returns d scaled by a uniform random factor in [0.5, 1.5), for
// callers that want one-off jittered delays outside of Do's loop.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}

// Jitter exposes jitter for callers outside this package.
func Jitter(d time.Duration) time.Duration { return jitter(d) }
