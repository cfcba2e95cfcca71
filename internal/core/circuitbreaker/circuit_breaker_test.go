package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterFailures(t *testing.T) {
	cb := NewWithTimeout("sink", time.Minute)
	boom := errors.New("boom")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return boom }), boom)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	cb := NewWithTimeout("sink", 20*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errors.New("down") })
	}
	time.Sleep(40 * time.Millisecond)

	for i := 0; i < 3; i++ {
		assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestBreakerHonoursCancelledContext(t *testing.T) {
	cb := New("sink")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cb.Execute(ctx, func() error { return nil }), context.Canceled)
}
