package core

import (
	"context"
	"fmt"

	"donationcore/internal/config"
	"donationcore/internal/infra/persistence/memory"
	"donationcore/internal/infra/persistence/postgres"
	"donationcore/internal/infra/persistence/sqlite"
	"donationcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

// Supported storage drivers.
const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// PersistentStore is a document store that holds resources until closed.
type PersistentStore interface {
	domain.Store
	Close() error
}

type memoryStore struct{ *memory.Store }

func (memoryStore) Close() error { return nil }

// OpenStore opens the configured backend with engine enforcing the store
// rules. An empty driver selects sqlite.
func OpenStore(ctx context.Context, cfg config.StorageConfig, engine *domain.RulesEngine) (PersistentStore, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memoryStore{memory.NewStore(engine)}, nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, engine)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", cfg.Driver)
	}
}
