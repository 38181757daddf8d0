package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("database is locked")

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestLake_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("success_on_first_attempt", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), DefaultConfig(), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("success_after_transient_failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		var retried []int
		cfg := fastConfig(3)
		cfg.OnRetry = func(attempt int, err error, _ time.Duration) {
			require.ErrorIs(t, err, errTransient)
			retried = append(retried, attempt)
		}
		err := Do(t.Context(), cfg, func() error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
		require.Equal(t, []int{1, 2}, retried)
	})

	t.Run("exhausted_wraps_last_error", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), fastConfig(3), func() error {
			calls++
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		require.ErrorContains(t, err, "failed after 3 attempts")
		require.Equal(t, 3, calls)
	})

	t.Run("non_retryable_returns_immediately", func(t *testing.T) {
		t.Parallel()
		permanent := errors.New("duplicate natural key")
		calls := 0
		err := Do(t.Context(), fastConfig(5), func() error {
			calls++
			return permanent
		})
		require.Same(t, permanent, err)
		require.Equal(t, 1, calls)
	})

	t.Run("custom_predicate", func(t *testing.T) {
		t.Parallel()
		sentinel := errors.New("store unavailable")
		cfg := fastConfig(3)
		cfg.Retryable = func(err error) bool { return errors.Is(err, sentinel) }

		calls := 0
		err := Do(t.Context(), cfg, func() error {
			calls++
			return fmt.Errorf("insert: %w", sentinel)
		})
		require.ErrorIs(t, err, sentinel)
		require.Equal(t, 3, calls)

		calls = 0
		err = Do(t.Context(), cfg, func() error {
			calls++
			return errTransient
		})
		require.ErrorIs(t, err, errTransient)
		require.Equal(t, 1, calls)
	})

	t.Run("context_error_from_fn_is_not_retried", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig(3)
		cfg.Retryable = func(error) bool { return true }
		calls := 0
		err := Do(t.Context(), cfg, func() error {
			calls++
			return fmt.Errorf("query: %w", context.DeadlineExceeded)
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, 1, calls)
	})

	t.Run("zero_attempts_runs_once", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), Config{}, func() error {
			calls++
			return errTransient
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}

func TestLake_Retry_Do_CancelDuringBackoff(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	cfg := Config{MaxAttempts: 3, BaseBackoff: time.Hour, MaxBackoff: time.Hour, Clock: clock}
	errCh := make(chan error, 1)
	calls := 0
	go func() {
		errCh <- Do(ctx, cfg, func() error {
			calls++
			return errTransient
		})
	}()

	waitCtx, waitCancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	case <-time.After(10 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestLake_Retry_Do_FakeClockBackoff(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	cfg := Config{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: time.Minute, Clock: clock}

	var waited time.Duration
	cfg.OnRetry = func(_ int, _ error, backoff time.Duration) { waited = backoff }

	errCh := make(chan error, 1)
	calls := 0
	go func() {
		errCh <- Do(t.Context(), cfg, func() error {
			calls++
			if calls == 1 {
				return errTransient
			}
			return nil
		})
	}()

	waitCtx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	clock.Advance(2 * time.Second)

	select {
	case err := <-errCh:
		require.NoError(t, err)
		require.Equal(t, 2, calls)
		require.GreaterOrEqual(t, waited, time.Second)
		require.Less(t, waited, 2*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("Do did not resume after advancing the clock")
	}
}

func TestLake_Retry_Backoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		attempt  int
		wantBase time.Duration
	}{
		{name: "first_retry", base: 100 * time.Millisecond, max: 10 * time.Second, attempt: 1, wantBase: 200 * time.Millisecond},
		{name: "third_retry", base: 100 * time.Millisecond, max: 10 * time.Second, attempt: 3, wantBase: 800 * time.Millisecond},
		{name: "capped", base: time.Second, max: 5 * time.Second, attempt: 10, wantBase: 5 * time.Second},
		{name: "overflow_capped", base: time.Second, max: 5 * time.Second, attempt: 62, wantBase: 5 * time.Second},
		{name: "zero_base", base: 0, max: 5 * time.Second, attempt: 2, wantBase: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for range 50 {
				got := Backoff(tt.base, tt.max, tt.attempt)
				require.GreaterOrEqual(t, got, tt.wantBase/2)
				require.LessOrEqual(t, got, tt.wantBase)
			}
		})
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e *statusError) StatusCode() int { return e.code }

type awsResponseError struct{ code int }

func (e *awsResponseError) Error() string       { return "operation error S3: GetObject" }
func (e *awsResponseError) HTTPStatusCode() int { return e.code }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestLake_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: false},
		{name: "net_timeout", err: &net.OpError{Op: "read", Err: timeoutError{}}, want: true},
		{name: "connection_refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), want: true},
		{name: "sqlite_busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: true},
		{name: "pg_serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "pg_connection_exception", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "pg_starting_up", err: &pgconn.PgError{Code: "57P03"}, want: true},
		{name: "pg_unique_violation", err: &pgconn.PgError{Code: "23505", Message: "connection reset"}, want: false},
		{name: "http_503", err: &statusError{code: http.StatusServiceUnavailable}, want: true},
		{name: "http_429", err: fmt.Errorf("list: %w", &statusError{code: http.StatusTooManyRequests}), want: true},
		{name: "http_404", err: &statusError{code: http.StatusNotFound}, want: false},
		{name: "aws_500", err: &awsResponseError{code: http.StatusInternalServerError}, want: true},
		{name: "aws_403", err: &awsResponseError{code: http.StatusForbidden}, want: false},
		{name: "schema_error", err: errors.New("column plan: expected VARCHAR"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
