// Package results selects and constructs the configured results store.
package results

import (
	"context"
	"fmt"
	"os"

	"vialcounter/internal/results/core"
	"vialcounter/internal/results/memory"
	"vialcounter/internal/results/postgres"
	"vialcounter/internal/results/sqlite"
)

// Store is re-exported so callers outside the results tree depend on one import.
type Store = core.Store

// Open selects a Store implementation using environment variables.
//
//	VIAL_DB_DRIVER: sqlite|postgres|memory (default sqlite)
//	VIAL_DB_DSN: postgres DSN or sqlite file path (driver-specific default otherwise)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("VIAL_DB_DRIVER")
	if driver == "" {
		driver = string(core.DriverSQLite)
	}
	dsn := os.Getenv("VIAL_DB_DSN")
	switch core.Driver(driver) {
	case core.DriverSQLite:
		return sqlite.NewStore(ctx, dsn)
	case core.DriverPostgres:
		return postgres.NewStore(ctx, dsn)
	case core.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown results driver %s", driver)
	}
}
