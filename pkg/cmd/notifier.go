package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spooldev/spool/pkg/queue"
)

// NewNotifier returns the cross-process claim notifier when Redis is
// configured, falling back to the in-process one otherwise.
func NewNotifier(redisURL string, logger *slog.Logger) (queue.Notifier, error) {
	if redisURL == "" {
		logger.Warn("no redis url configured, claim wakeups stay in-process")

		return queue.NewLocalNotifier(), nil
	}

	notifier, err := queue.NewRedisNotifier(redisURL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis notifier: %w", err)
	}

	return notifier, nil
}
