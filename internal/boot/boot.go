// Package boot gates service startup on external dependencies. Each
// connect call is retried with exponential backoff until it succeeds
// or the budget elapses; a dependency still down after the budget is
// fatal and the binary exits with code 2.
package boot

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/pkg/logger"
)

// DefaultBudget bounds how long a binary waits for one dependency at
// startup before giving up.
const DefaultBudget = 30 * time.Second

// Retry runs connect until it succeeds or DefaultBudget elapses.
func Retry(ctx context.Context, log logger.Logger, dependency string, connect func(ctx context.Context) error) error {
	return retry(ctx, log, dependency, DefaultBudget, connect)
}

func retry(ctx context.Context, log logger.Logger, dependency string, budget time.Duration, connect func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = budget

	attempts := 0
	operation := func() error {
		attempts++
		err := connect(ctx)
		if err != nil {
			log.Warn("dependency not ready, retrying",
				"dependency", dependency, "attempt", attempts, "error", err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return &models.FatalStartupError{Dependency: dependency, Err: err}
	}
	log.Info("dependency ready", "dependency", dependency, "attempts", attempts)
	return nil
}
