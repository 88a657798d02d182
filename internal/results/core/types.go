// Package core defines the persisted result row and the store contract
// implemented by the relational backends.
package core

import (
	"context"
	"time"
)

// Driver identifies a concrete results store backend.
type Driver string

const (
	// DriverSQLite is the default backend for development.
	DriverSQLite Driver = "sqlite"
	// DriverPostgres is the production backend.
	DriverPostgres Driver = "postgres"
	// DriverMemory is the in-memory backend used in tests.
	DriverMemory Driver = "memory"
)

// Row is one approved tray analysis. Rows are append-only: they are created
// exactly once and never mutated afterwards.
type Row struct {
	ID                int64     `json:"id"`
	OriginalImageKey  string    `json:"original_image_key"`
	ProcessedImageKey string    `json:"processed_image_key"`
	CountedVials      int       `json:"counted_vials"`
	Percentage        float64   `json:"percentage"`
	LotID             string    `json:"lot_id"`
	OrderNumber       string    `json:"order_number"`
	TrayNumber        string    `json:"tray_number"`
	Approved          bool      `json:"approved"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewRow carries the caller-supplied fields of a row about to be inserted.
// ID, Approved and CreatedAt are assigned by the store.
type NewRow struct {
	OriginalImageKey  string
	ProcessedImageKey string
	CountedVials      int
	Percentage        float64
	LotID             string
	OrderNumber       string
	TrayNumber        string
}

// Store persists result rows. List returns rows in descending creation
// order (newest first, ties broken by id) plus a flag reporting whether
// more rows exist beyond offset+limit.
type Store interface {
	Insert(ctx context.Context, row NewRow) (Row, error)
	List(ctx context.Context, offset, limit int) ([]Row, bool, error)
	Ping(ctx context.Context) error
	Close() error
	Driver() Driver
}
