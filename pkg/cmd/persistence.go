package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/drover-io/drover/pkg/persistence"
	"github.com/drover-io/drover/pkg/persistence/file"
	"github.com/drover-io/drover/pkg/persistence/postgresql"
	"github.com/drover-io/drover/pkg/persistence/redis"
	"github.com/drover-io/drover/pkg/persistence/sqlite"
)

var supportedPersistenceProviders = []string{"file", "sqlite", "postgres", "postgresql", "redis"}

func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "sqlite":
		return sqlite.NewPersistence(ctx, logger, databaseURL)
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "redis":
		return redis.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	parts := strings.Split(databaseURL, "://")

	provider := parts[0]
	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
