// internal/pkg/remote/guard.go
package remote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// ErrUnavailable marks a failure to reach a remote store. It is never an
// authoritative answer: the call may or may not have been applied.
var ErrUnavailable = errors.New("remote store unavailable")

// IsUnavailable reports whether err was classified as a connectivity failure
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsConnectivity reports whether err looks like a network, timeout or
// backend-down failure rather than a validation or constraint error.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	// Class 08 is connection exception, 57P0x is operator intervention (shutdown)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		return len(code) == 5 && (code[:2] == "08" || code[:4] == "57P0")
	}

	return pgconn.Timeout(err)
}

// Guard bounds every remote call with a timeout and trips a circuit breaker
// after repeated connectivity failures so callers degrade without waiting.
type Guard struct {
	name    string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  logrus.FieldLogger
	onState func(up bool)
}

// GuardOptions configures a Guard
type GuardOptions struct {
	Name     string
	Timeout  time.Duration
	Failures int
	Cooldown time.Duration
	Logger   logrus.FieldLogger
	// OnStateChange is called with up=false when the breaker opens and
	// up=true when it closes again.
	OnStateChange func(up bool)
}

// NewGuard creates a Guard
func NewGuard(opts GuardOptions) *Guard {
	if opts.Failures < 1 {
		opts.Failures = 1
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	g := &Guard{
		name:    opts.Name,
		timeout: opts.Timeout,
		logger:  opts.Logger.WithField("remote", opts.Name),
		onState: opts.OnStateChange,
	}

	failures := uint32(opts.Failures)
	g.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: 1,
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only connectivity failures count against the remote
		IsSuccessful: func(err error) bool {
			return err == nil || !IsConnectivity(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("Remote breaker state changed")
			if g.onState == nil {
				return
			}
			switch to {
			case gobreaker.StateOpen:
				g.onState(false)
			case gobreaker.StateClosed:
				g.onState(true)
			}
		},
	})

	return g
}

// Do runs fn under the timeout and breaker. Connectivity failures come back
// wrapped with ErrUnavailable; every other error is returned untouched.
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := g.breaker.Execute(func() (struct{}, error) {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return struct{}{}, fn(callCtx)
	})
	if err == nil {
		return nil
	}

	if IsConnectivity(err) {
		g.logger.WithFields(logrus.Fields{
			"op":    op,
			"error": err.Error(),
		}).Debug("Remote call failed with connectivity error")
		if errors.Is(err, ErrUnavailable) {
			return err
		}
		return fmt.Errorf("%s %s: %w: %w", g.name, op, ErrUnavailable, err)
	}

	return err
}

// Available reports whether the breaker currently lets calls through
func (g *Guard) Available() bool {
	return g.breaker.State() != gobreaker.StateOpen
}
