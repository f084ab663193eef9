// Package reliability classifies database failures and retries the ones
// that are worth another attempt.
package reliability

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// IsRetryableDBError reports whether err is a transient database failure:
// connection loss, server start-up or shutdown, connection exhaustion,
// serialization failures and deadlocks.
func IsRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return IsRetryableSQLState(pgErr.Code)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRetryableSQLState classifies a SQLSTATE code.
func IsRetryableSQLState(code string) bool {
	switch code {
	case "40001", "40P01", "53300", "57P01", "57P02", "57P03":
		return true
	}
	return strings.HasPrefix(code, "08")
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry calls fn up to attempts times while it fails with a retryable
// error, sleeping with exponential backoff between calls. The last error is
// returned.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, logger *zap.Logger, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsRetryableDBError(err) || attempt == attempts-1 {
			return err
		}
		wait := ExponentialBackoff(attempt, base, cap)
		logger.Warn("retryable database error",
			zap.Int("attempt", attempt+1),
			zap.Int("attempts", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
