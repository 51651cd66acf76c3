// Package circuitbreaker wraps gobreaker with the service's state names and a metrics hook.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen is returned without calling the protected function while the breaker rejects traffic.
var ErrOpen = errors.New("circuit breaker open")

// State is the circuit breaker state (Closed, HalfOpen, Open).
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds circuit breaker parameters. Zero values get defaults.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// Interval clears closed-state counts periodically; zero never clears.
	Interval  time.Duration
	Component string
	// Ignore marks errors that should not count as failures (caller mistakes, not upstream faults).
	Ignore        func(err error) bool
	OnStateChange func(from, to State)
}

// CircuitBreaker protects upstream calls by opening after repeated failures
// and letting probe requests through once the timeout elapses.
type CircuitBreaker struct {
	cb        *gobreaker.CircuitBreaker[any]
	component string
}

func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	threshold := uint32(cfg.FailureThreshold)
	settings := gobreaker.Settings{
		Name:        cfg.Component,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			return cfg.Ignore != nil && cfg.Ignore(err)
		},
	}
	if cfg.OnStateChange != nil {
		hook := cfg.OnStateChange
		settings.OnStateChange = func(_ string, from, to gobreaker.State) {
			hook(fromGobreaker(from), fromGobreaker(to))
		}
	}
	return &CircuitBreaker{
		cb:        gobreaker.NewCircuitBreaker[any](settings),
		component: cfg.Component,
	}
}

// Call runs fn when the circuit allows it. A rejected call returns an error wrapping ErrOpen.
func (b *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	_, err := Do(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do is Call for functions that produce a value.
func Do[T any](ctx context.Context, b *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w", b.component, ErrOpen)
	}
	if err != nil {
		return zero, err
	}
	return out.(T), nil
}

// State returns the current state.
func (b *CircuitBreaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Gauge maps a state to the value published on the circuitBreakerState metric.
func Gauge(s State) float64 {
	return float64(s)
}
