package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker() (*Breaker, *time.Time) {
	b := NewBreaker(Config{Name: "test", FailureThreshold: 2, Cooldown: time.Minute, MaxAttempts: 1, Backoff: time.Millisecond})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_RetriesThenSucceeds(t *testing.T) {
	b := NewBreaker(Config{MaxAttempts: 3, Backoff: time.Millisecond})
	calls := 0

	err := b.Execute(context.Background(), "send", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	b, now := newTestBreaker()
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("timeout") }
	ok := func(context.Context) error { return nil }

	assert.Error(t, b.Execute(ctx, "send", fail))
	assert.Equal(t, CircuitBreakerClosed, b.State())
	assert.Error(t, b.Execute(ctx, "send", fail))
	assert.Equal(t, CircuitBreakerOpen, b.State())

	called := false
	err := b.Execute(ctx, "send", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Execute(ctx, "send", ok))
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, now := newTestBreaker()
	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("boom") }

	b.Execute(ctx, "send", fail)
	b.Execute(ctx, "send", fail)
	require.Equal(t, CircuitBreakerOpen, b.State())

	*now = now.Add(2 * time.Minute)
	assert.Error(t, b.Execute(ctx, "send", fail))
	assert.Equal(t, CircuitBreakerOpen, b.State())
	assert.ErrorIs(t, b.Execute(ctx, "send", fail), ErrCircuitOpen)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "none", classifyError(nil))
	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "network", classifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "unknown", classifyError(errors.New("weird")))
}
