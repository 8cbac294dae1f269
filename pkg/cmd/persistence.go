package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/careflow/pkg/persistence"
	"github.com/dukex/careflow/pkg/persistence/memory"
	"github.com/dukex/careflow/pkg/persistence/postgresql"
)

var ErrUnsupportedPersistence = errors.New("unsupported persistence provider")

var supportedPersistenceProviders = []string{"memory", "postgres", "postgresql"}

// NewPersistence selects the store by URL scheme. An empty URL selects the in-memory store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	switch provider {
	case "memory":
		logger.Warn("Using in-memory persistence, state is lost on restart")

		return memory.NewPersistence(), nil
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		return store, nil
	default:
		return nil, fmt.Errorf("%w %q, expected one of %v", ErrUnsupportedPersistence, provider, supportedPersistenceProviders)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	if databaseURL == "" {
		return "memory"
	}

	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return databaseURL
	}

	return provider
}
