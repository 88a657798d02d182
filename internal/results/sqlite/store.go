// Package sqlite provides the SQLite-backed results store, the default
// backend for development and tests that need durable rows.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"vialcounter/internal/results/core"
)

var _ core.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	original_image_key TEXT NOT NULL,
	processed_image_key TEXT NOT NULL,
	counted_vials INTEGER NOT NULL CHECK (counted_vials >= 0),
	percentage REAL NOT NULL,
	lot_id TEXT NOT NULL DEFAULT '',
	order_number TEXT NOT NULL DEFAULT '',
	tray_number TEXT NOT NULL DEFAULT '',
	approved INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS results_created_at_idx ON results (created_at DESC, id DESC);
`

// Store persists result rows to a single SQLite file.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the SQLite database at path.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "vialcounter.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps in-memory databases coherent and sidesteps
	// SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply results ddl: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverSQLite }

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
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		 RETURNING id`,
		row.OriginalImageKey, row.ProcessedImageKey, row.CountedVials, row.Percentage,
		row.LotID, row.OrderNumber, row.TrayNumber, now.Format(time.RFC3339Nano),
	).Scan(&out.ID)
	if err != nil {
		return core.Row{}, fmt.Errorf("insert result: %w", err)
	}
	return out, nil
}

func (s *Store) List(ctx context.Context, offset, limit int) ([]core.Row, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_image_key, processed_image_key, counted_vials, percentage,
			lot_id, order_number, tray_number, approved, created_at
		 FROM results
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		limit+1, offset,
	)
	if err != nil {
		return nil, false, fmt.Errorf("query results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []core.Row
	for rows.Next() {
		var r core.Row
		var approved int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.OriginalImageKey, &r.ProcessedImageKey, &r.CountedVials,
			&r.Percentage, &r.LotID, &r.OrderNumber, &r.TrayNumber, &approved, &createdAt); err != nil {
			return nil, false, fmt.Errorf("scan result: %w", err)
		}
		r.Approved = approved != 0
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, false, fmt.Errorf("parse created_at %q: %w", createdAt, err)
		}
		r.CreatedAt = ts.UTC()
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
