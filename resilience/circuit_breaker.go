package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/malwarebo/mentorpay/observability"
	"github.com/malwarebo/mentorpay/utils"
)

var (
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrCircuitTimeout = errors.New("circuit breaker timeout")
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// CircuitBreaker stops calling a failing dependency for a cool-down period.
// Calls rejected while open fail fast with ErrCircuitOpen, which callers
// classify like any other transient failure.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	timeout       time.Duration
	halfOpenMax   int
	state         CircuitState
	failures      int
	successes     int
	lastFailure   time.Time
	mu            sync.RWMutex
	onStateChange func(name string, from, to CircuitState)
	now           func() time.Time
}

type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(name string, from, to CircuitState)
}

func CreateCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = logStateChange
	}

	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		timeout:       cfg.Timeout,
		halfOpenMax:   cfg.HalfOpenMax,
		state:         CircuitClosed,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

func logStateChange(name string, from, to CircuitState) {
	utils.Warn(context.Background(), "circuit breaker state changed", map[string]interface{}{
		"breaker": name,
		"from":    from.String(),
		"to":      to.String(),
	})
	observability.SetGauge("circuit_breaker_state", float64(to), map[string]string{"breaker": name})
}

// Execute runs fn if the breaker admits it. fn receives ctx and must honour
// its deadline; a call that outlives ctx is counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		cb.recordResult(err)
		return err
	case <-ctx.Done():
		cb.recordResult(ctx.Err())
		return errors.Join(ErrCircuitTimeout, ctx.Err())
	}
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.timeout {
			cb.transitionTo(CircuitHalfOpen)
			return true
		}
		return false
	case CircuitHalfOpen:
		return cb.successes < cb.halfOpenMax
	}
	return false
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && countsAsFailure(err) {
		cb.failures++
		cb.lastFailure = cb.now()

		switch cb.state {
		case CircuitClosed:
			if cb.failures >= cb.maxFailures {
				cb.transitionTo(CircuitOpen)
			}
		case CircuitHalfOpen:
			cb.transitionTo(CircuitOpen)
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// Client-side rejections say nothing about the health of the dependency.
func countsAsFailure(err error) bool {
	switch utils.KindOf(err) {
	case utils.KindValidation, utils.KindAuthentication, utils.KindTerminalIntegration:
		return false
	}
	return true
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
