// Package postgres provides the Postgres-backed results store, applying
// its DDL on startup so a fresh database is usable immediately.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"vialcounter/internal/results/core"
)

// Compile-time contract assertion ensuring the store satisfies the interface.
var _ core.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/vialcounter?sslmode=disable"
)

const ddl = `
CREATE TABLE IF NOT EXISTS results (
	id BIGSERIAL PRIMARY KEY,
	original_image_key TEXT NOT NULL,
	processed_image_key TEXT NOT NULL,
	counted_vials INTEGER NOT NULL CHECK (counted_vials >= 0),
	percentage DOUBLE PRECISION NOT NULL,
	lot_id TEXT NOT NULL DEFAULT '',
	order_number TEXT NOT NULL DEFAULT '',
	tray_number TEXT NOT NULL DEFAULT '',
	approved BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS results_created_at_idx ON results (created_at DESC, id DESC);
`

// Store persists result rows to Postgres.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back
// to defaultDSN) and applies the results DDL.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open(defaultDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply results ddl: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverPostgres }

func (s *Store) Insert(ctx context.Context, row core.NewRow) (core.Row, error) {
	now := time.Now().UTC()
	out := core.Row{
		OriginalImageKey:  row.OriginalImageKey,
		ProcessedImageKey: row.ProcessedImageKey,
		CountedVials:      row.CountedVials,
		Percentage:        row.Percentage,
		LotID:             row.LotID,
		OrderNumber:       row.OrderNumber,
		TrayNumber:        row.TrayNumber,
		Approved:          true,
		CreatedAt:         now,
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO results (original_image_key, processed_image_key, counted_vials, percentage,
			lot_id, order_number, tray_number, approved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		 RETURNING id`,
		row.OriginalImageKey, row.ProcessedImageKey, row.CountedVials, row.Percentage,
		row.LotID, row.OrderNumber, row.TrayNumber, now,
	).Scan(&out.ID)
	if err != nil {
		return core.Row{}, fmt.Errorf("insert result: %w", err)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, offset, limit int) ([]core.Row, bool, error) {
	// Fetch one extra row to learn whether another page exists.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_image_key, processed_image_key, counted_vials, percentage,
			lot_id, order_number, tray_number, approved, created_at
		 FROM results
		 ORDER BY created_at DESC, id DESC
		 LIMIT $1 OFFSET $2`,
		limit+1, offset,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.Row
	for rows.Next() {
		var r core.Row
		if err := rows.Scan(&r.ID, &r.OriginalImageKey, &r.ProcessedImageKey, &r.CountedVials,
			&r.Percentage, &r.LotID, &r.OrderNumber, &r.TrayNumber, &r.Approved, &r.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scan result: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate results: %w", err)
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }
