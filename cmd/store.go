package main

import (
	"context"

	"github.com/PulsePipe/pulsepipe/internal/resilience"
	"github.com/PulsePipe/pulsepipe/internal/tracking"
)

// initRepo opens the configured tracking backend and wraps it with the
// configured retry policy.
func initRepo(ctx context.Context) (*tracking.Repository, tracking.Conn, error) {
	conn, err := tracking.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, cfg.Store.MongoDatabase)
	if err != nil {
		return nil, nil, err
	}
	retry := resilience.FromRetryConfig(
		cfg.Store.Retry.MaxAttempts,
		cfg.Store.Retry.InitialBackoffMs,
		cfg.Store.Retry.MaxBackoffMs,
		cfg.Store.Retry.Multiplier,
		cfg.Store.Retry.JitterFraction,
	)
	return tracking.NewRepository(conn, retry), conn, nil
}
