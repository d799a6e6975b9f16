package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spooldev/spool/pkg/persistence"
	"github.com/spooldev/spool/pkg/persistence/memory"
	"github.com/spooldev/spool/pkg/persistence/postgres"
)

// NewStore picks a store from the database URL scheme. An empty URL or
// memory:// yields the in-memory store, which is only suitable for local
// development because claims do not survive restarts.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Store, error) {
	switch parseStoreProvider(databaseURL) {
	case "postgres":
		store, err := postgres.NewStore(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres store: %w", err)
		}

		return store, nil
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")

		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database url %q", databaseURL)
	}
}

func parseStoreProvider(databaseURL string) string {
	if databaseURL == "" || strings.HasPrefix(databaseURL, "memory://") {
		return "memory"
	}

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return "postgres"
	}

	return ""
}
