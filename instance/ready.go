package instance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/mantty/schemagen"
)

// Ping opens a single connection to endpoint and runs SELECT 1
func Ping(ctx context.Context, endpoint schemagen.Endpoint) error {
	conn, err := pgx.Connect(ctx, endpoint.URL())
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	var one int
	return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// WaitReady polls endpoint with exponential backoff until it answers or timeout elapses,
// in which case it fails with ErrProvisionTimeout
func WaitReady(ctx context.Context, endpoint schemagen.Endpoint, timeout time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	var lastErr error
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := Ping(pingCtx, endpoint); err != nil {
			lastErr = err
			logger.Debug("instance not ready", "endpoint", endpoint.Redacted(), "attempt", attempts, "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s not ready after %v (last error: %v)", schemagen.ErrProvisionTimeout, endpoint.Redacted(), timeout, lastErr)
	}
	return err
}
