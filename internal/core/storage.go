package core

import (
	"fmt"
	"os"

	"biomarkerkb/internal/infra/ledger/memory"
	"biomarkerkb/internal/infra/ledger/postgres"
	"biomarkerkb/internal/infra/ledger/sqlite"
	"biomarkerkb/pkg/registry"
)

// StorageDriver identifies a concrete ledger storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// StorageOptions carries backend parameters. Zero values fall back to the
// environment variables documented in OpenLedger.
type StorageOptions struct {
	Driver      StorageDriver
	SQLitePath  string
	PostgresDSN string
}

// OpenLedger selects a ledger backend from opts, consulting environment
// variables for unset fields. Defaults to sqlite when unset.
//
//	BIOMARKERKB_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	BIOMARKERKB_SQLITE_PATH: path to sqlite file (default ./biomarkerkb.db)
//	BIOMARKERKB_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenLedger(opts StorageOptions) (registry.Ledger, error) {
	driver := opts.Driver
	if driver == "" {
		driver = StorageDriver(os.Getenv("BIOMARKERKB_STORAGE_DRIVER"))
	}
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewLedger(), nil
	case StorageSQLite:
		path := opts.SQLitePath
		if path == "" {
			path = os.Getenv("BIOMARKERKB_SQLITE_PATH")
		}
		return sqlite.NewLedger(path)
	case StoragePostgres:
		dsn := opts.PostgresDSN
		if dsn == "" {
			dsn = os.Getenv("BIOMARKERKB_POSTGRES_DSN")
		}
		return postgres.NewLedger(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
