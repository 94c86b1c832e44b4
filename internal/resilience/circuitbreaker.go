// Package resilience provides a circuit breaker that guards outbound call
// starts.
//
// [CircuitBreaker] is a classic three-state breaker (closed → open →
// half-open). When the remote call backend keeps refusing starts, the breaker
// opens and further starts fail fast with [ErrCircuitOpen] until the reset
// timeout elapses, so a user saying the wake phrase repeatedly does not
// hammer a backend that is down.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state. All calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed in the half-open
	// state to close the breaker. Default: 1.
	HalfOpenMax int

	// OnStateChange, if set, is called after every state transition. It is
	// called with the breaker's lock released.
	OnStateChange func(from, to State)

	// now overrides the clock in tests.
	now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(from, to State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           cfg.now,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state at most
// HalfOpenMax probe calls are in flight.
//
// A plain cancellation of ctx is returned but not counted as a failure. When
// ctx ends with a deadline or with an explicit cause (see
// [context.WithCancelCause]) the attempt counts as failed: the backend did not
// answer in time.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	var changed []State
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		changed = cb.setState(StateHalfOpen)
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()
	cb.notify(changed)

	err := fn(ctx)

	cb.mu.Lock()
	switch {
	case err == nil:
		changed = cb.recordSuccess(inHalfOpen)
	case ctx.Err() != nil && !errors.Is(context.Cause(ctx), context.Canceled):
		changed = cb.recordFailure(inHalfOpen)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		if inHalfOpen {
			cb.halfOpenCalls--
		}
		changed = nil
	default:
		changed = cb.recordFailure(inHalfOpen)
	}
	cb.mu.Unlock()
	cb.notify(changed)
	return err
}

// setState switches to next and returns the transition for notify. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) setState(next State) []State {
	prev := cb.state
	if prev == next {
		return nil
	}
	cb.state = next
	slog.Info("circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", next.String())
	return []State{prev, next}
}

func (cb *CircuitBreaker) notify(change []State) {
	if change != nil && cb.onStateChange != nil {
		cb.onStateChange(change[0], change[1])
	}
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) []State {
	if inHalfOpen {
		cb.openedAt = cb.now()
		cb.consecutiveFail = cb.maxFailures
		return cb.setState(StateOpen)
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures && cb.state == StateClosed {
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
		return cb.setState(StateOpen)
	}
	return nil
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) []State {
	if inHalfOpen {
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.halfOpenMax && cb.state == StateHalfOpen {
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenOK = 0
			return cb.setState(StateClosed)
		}
		return nil
	}
	cb.consecutiveFail = 0
	return nil
}

// State returns the current [State] of the breaker. If the breaker is open and
// the reset timeout has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all failure
// counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	changed := cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify(changed)
}
