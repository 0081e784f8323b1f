package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceName is the registry name of a standalone store (sqlite, memory).
// The postgres store shares the auth_db service instead.
const ServiceName = "vector_store"

// BackendConfig selects and configures a store.
type BackendConfig struct {
	Backend    string // postgres|sqlite|memory
	SQLitePath string
	Dimensions int
	// Pool is the shared database pool, required for postgres.
	Pool *pgxpool.Pool
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg BackendConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "postgres":
		return NewPostgresStore(ctx, cfg.Pool, cfg.Dimensions)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.SQLitePath, cfg.Dimensions)
	case "memory":
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", cfg.Backend)
	}
}
