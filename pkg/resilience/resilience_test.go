package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
)

func TestWithTimeoutExpires(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	err := WithTimeout(context.Background(), 20*time.Millisecond, "read dir", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
}

func TestWithTimeoutPassesResult(t *testing.T) {
	sentinel := errors.New("permission denied")
	err := WithTimeout(context.Background(), time.Second, "read dir", func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	permanent := errors.New("bad payload")
	err := Retry(context.Background(), "publish", RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond},
		func(err error) bool { return errors.Is(err, permanent) },
		func() error {
			calls++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), "publish", RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}, nil, func() error {
		calls++
		if calls < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	var states []State
	cb := NewCircuitBreaker("redis", BreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(s State) { states = append(states, s) },
	})
	now := time.Now()
	cb.now = func() time.Time { return now }

	fail := errors.New("conn refused")
	assert.ErrorIs(t, cb.Execute(func() error { return fail }), fail)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return fail }), fail)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, states)
}
