// Package circuitbreaker stops calling a provider that keeps failing and
// probes it again after a cool-down.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatengine/internal/clock"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a breaker. Zero values take the defaults noted per field.
type Config struct {
	Name string
	// MaxFailures consecutive counted failures open the circuit. Default 5.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before probing. Default 30s.
	Timeout time.Duration
	// HalfOpenMaxCalls successful probes close the circuit again. Default 3.
	HalfOpenMaxCalls uint32
	// IsFailure decides whether an error counts against the provider. A
	// rejected request (bad recipient, auth) says nothing about provider
	// health and should return false. Default: every error counts.
	IsFailure func(error) bool
	// OnStateChange is called with the lock released.
	OnStateChange func(name string, from, to State)
	Clock         clock.Clock
	Logger        *logrus.Logger
}

// CircuitBreaker guards calls to one external service.
type CircuitBreaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failures        uint32
	halfOpenCalls   uint32
	halfOpenSuccess uint32
	openedAt        time.Time
	requests        uint64
	rejected        uint64
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(error) bool { return true }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Execute runs fn unless the circuit is open, in which case it returns a
// *CircuitBreakerError without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.Timeout {
		cb.setStateLocked(StateHalfOpen)
	}

	var err error
	switch cb.state {
	case StateOpen:
		err = &CircuitBreakerError{Name: cb.cfg.Name, State: StateOpen}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			err = &CircuitBreakerError{Name: cb.cfg.Name, State: StateHalfOpen}
		} else {
			cb.halfOpenCalls++
		}
	}
	if err != nil {
		cb.rejected++
	} else {
		cb.requests++
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return err
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	from := cb.state
	failed := err != nil && cb.cfg.IsFailure(err)

	switch cb.state {
	case StateClosed:
		if failed {
			cb.failures++
			if cb.failures >= cb.cfg.MaxFailures {
				cb.tripLocked()
			}
		} else {
			cb.failures = 0
		}
	case StateHalfOpen:
		if failed {
			cb.tripLocked()
			break
		}
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenMaxCalls {
			cb.setStateLocked(StateClosed)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *CircuitBreaker) tripLocked() {
	cb.openedAt = cb.cfg.Clock.Now()
	cb.setStateLocked(StateOpen)
}

func (cb *CircuitBreaker) setStateLocked(s State) {
	cb.state = s
	cb.failures = 0
	cb.halfOpenCalls = 0
	cb.halfOpenSuccess = 0
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from == to {
		return
	}
	entry := cb.cfg.Logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"from_state":      from.String(),
		"to_state":        to.String(),
	})
	if to == StateOpen {
		entry.Warn("Circuit breaker opened")
	} else {
		entry.Info("Circuit breaker state changed")
	}
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures uint32 `json:"failures"`
	Requests uint64 `json:"requests"`
	Rejected uint64 `json:"rejected"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:     cb.cfg.Name,
		State:    cb.state.String(),
		Failures: cb.failures,
		Requests: cb.requests,
		Rejected: cb.rejected,
	}
}

// CircuitBreakerError is returned when a call was not attempted.
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsCircuitBreakerError reports whether err, or anything it wraps, is a
// *CircuitBreakerError.
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
