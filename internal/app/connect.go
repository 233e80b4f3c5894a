package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// RetryConnect runs connect with exponential backoff until it succeeds or
// the elapsed budget runs out. Infra dependencies come up in arbitrary order
// under compose, so startup tolerates a briefly unreachable Postgres or Redis.
func RetryConnect(ctx context.Context, name string, maxElapsed time.Duration, connect func(ctx context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = maxElapsed

	op := func() error { return connect(ctx) }
	notify := func(err error, next time.Duration) {
		slog.Warn("dependency not ready, retrying",
			slog.String("dependency", name),
			slog.Any("error", err),
			slog.Duration("next_attempt_in", next))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(expo, ctx), notify); err != nil {
		return fmt.Errorf("op=connect.%s: %w", name, err)
	}
	return nil
}
