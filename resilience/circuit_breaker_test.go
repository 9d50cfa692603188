package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/malwarebo/mentorpay/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb := CreateCircuitBreaker(CircuitBreakerConfig{Name: "scheduling", MaxFailures: 3, Timeout: time.Minute, OnStateChange: func(string, CircuitState, CircuitState) {}})
	ctx := context.Background()
	testError := errors.New("upstream 502")

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return testError })
		assert.ErrorIs(t, err, testError)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.True(t, utils.IsRetryableError(err))
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := CreateCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute, OnStateChange: func(string, CircuitState, CircuitState) {}})
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	require.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Minute)
	err := cb.Execute(context.Background(), func(context.Context) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	cb := CreateCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, OnStateChange: func(string, CircuitState, CircuitState) {}})

	err := cb.Execute(context.Background(), func(context.Context) error {
		return utils.ValidationFailure("booking.create", "event type not bookable")
	})

	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cb := CreateCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, OnStateChange: func(string, CircuitState, CircuitState) {}})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := cb.Execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	assert.ErrorIs(t, err, ErrCircuitTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestExecutor_AppliesTimeout(t *testing.T) {
	e := CreateExecutor(5, time.Minute)

	err := e.Execute(context.Background(), "stripe", 10*time.Millisecond, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok)
		<-ctx.Done()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, CircuitClosed, e.State("stripe"))
	assert.Equal(t, CircuitClosed, e.State("unknown"))
}
