package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/cartsync/internal/pkg/logger"
)

func TestIsConnectivity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: true},
		{name: "breaker open", err: gobreaker.ErrOpenState, want: true},
		{name: "net op error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: true},
		{name: "pg connection exception", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "pg admin shutdown", err: &pgconn.PgError{Code: "57P01"}, want: true},
		{name: "pg unique violation", err: &pgconn.PgError{Code: "23505"}, want: false},
		{name: "already wrapped", err: fmt.Errorf("x: %w", ErrUnavailable), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectivity(tt.err))
		})
	}
}

func newTestGuard(failures int) *Guard {
	return NewGuard(GuardOptions{
		Name:     "test",
		Timeout:  50 * time.Millisecond,
		Failures: failures,
		Cooldown: time.Hour,
		Logger:   logger.Discard(),
	})
}

func TestGuard_PassesThroughNonConnectivityErrors(t *testing.T) {
	g := newTestGuard(1)
	validation := errors.New("quantity must be positive")

	err := g.Do(context.Background(), "update", func(ctx context.Context) error { return validation })

	assert.ErrorIs(t, err, validation)
	assert.False(t, IsUnavailable(err))
	assert.True(t, g.Available(), "validation errors must not trip the breaker")
}

func TestGuard_TimeoutIsUnavailable(t *testing.T) {
	g := newTestGuard(5)

	err := g.Do(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []bool
	g := NewGuard(GuardOptions{
		Name:          "test",
		Timeout:       time.Second,
		Failures:      2,
		Cooldown:      time.Hour,
		Logger:        logger.Discard(),
		OnStateChange: func(up bool) { transitions = append(transitions, up) },
	})
	down := func(ctx context.Context) error { return &net.OpError{Op: "dial", Err: errors.New("refused")} }

	_ = g.Do(context.Background(), "a", down)
	assert.True(t, g.Available())
	_ = g.Do(context.Background(), "b", down)
	assert.False(t, g.Available())

	called := false
	err := g.Do(context.Background(), "c", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called, "open breaker must short-circuit")
	assert.True(t, IsUnavailable(err))
	assert.Equal(t, []bool{false}, transitions)
}
