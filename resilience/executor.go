package resilience

import (
	"context"
	"sync"
	"time"
)

// Executor runs calls to named external dependencies through a per-dependency
// circuit breaker, each call bounded by a timeout.
type Executor struct {
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
	mu       sync.RWMutex
}

func CreateExecutor(maxFailures int, resetTimeout time.Duration) *Executor {
	return &Executor{
		breakers: make(map[string]*CircuitBreaker),
		cfg: CircuitBreakerConfig{
			MaxFailures: maxFailures,
			Timeout:     resetTimeout,
		},
	}
}

// Execute calls fn with a context that expires after timeout. A timeout is
// reported as a failure of the call.
func (e *Executor) Execute(ctx context.Context, dependency string, timeout time.Duration, fn func(context.Context) error) error {
	breaker := e.breaker(dependency)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return breaker.Execute(ctx, fn)
}

func (e *Executor) breaker(dependency string) *CircuitBreaker {
	e.mu.RLock()
	breaker, exists := e.breakers[dependency]
	e.mu.RUnlock()

	if exists {
		return breaker
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if breaker, exists = e.breakers[dependency]; exists {
		return breaker
	}

	cfg := e.cfg
	cfg.Name = dependency
	breaker = CreateCircuitBreaker(cfg)
	e.breakers[dependency] = breaker

	return breaker
}

func (e *Executor) State(dependency string) CircuitState {
	e.mu.RLock()
	breaker, exists := e.breakers[dependency]
	e.mu.RUnlock()

	if !exists {
		return CircuitClosed
	}
	return breaker.State()
}
