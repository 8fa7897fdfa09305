package circuitbreaker

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_TripsAfterFailures(t *testing.T) {
	ctx := context.Background()
	cb := New("test", nil)
	boom := errors.New("db down")

	for range 3 {
		err := cb.Execute(ctx, func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_Fallback(t *testing.T) {
	ctx := context.Background()
	cb := New("test", nil)
	for range 3 {
		_ = cb.Execute(ctx, func() error { return errors.New("fail") })
	}

	fellBack := false
	err := cb.ExecuteWithFallback(ctx, func() error { return nil }, func() error {
		fellBack = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, fellBack)
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cb := New("test", nil)
	err := cb.Execute(ctx, func() error { t.Fatal("must not run"); return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
