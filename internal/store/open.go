package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"sandbox-broker/internal/config"
)

// Open connects the configured backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, PostgresOptions{
			MaxConns:        cfg.MaxConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			NotifyChannel:   cfg.NotifyChannel,
		})
	case "memory", "":
		log.Warn().Msg("using in-memory store: only clients in this process can reach this host")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
