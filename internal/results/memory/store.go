// Package memory implements an in-memory results store for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"vialcounter/internal/results/core"
)

var _ core.Store = (*Store)(nil)

// Store keeps rows in process memory. Intended for tests.
type Store struct {
	mu     sync.RWMutex
	rows   []core.Row
	nextID int64
}

// New returns an empty in-memory results store.
func New() *Store { return &Store{nextID: 1} }

func (s *Store) Driver() core.Driver { return core.DriverMemory }

func (s *Store) Insert(_ context.Context, row core.NewRow) (core.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := core.Row{
		ID:                s.nextID,
		OriginalImageKey:  row.OriginalImageKey,
		ProcessedImageKey: row.ProcessedImageKey,
		CountedVials:      row.CountedVials,
		Percentage:        row.Percentage,
		LotID:             row.LotID,
		OrderNumber:       row.OrderNumber,
		TrayNumber:        row.TrayNumber,
		Approved:          true,
		CreatedAt:         time.Now().UTC(),
	}
	s.nextID++
	s.rows = append(s.rows, r)
	return r, nil
}

func (s *Store) List(_ context.Context, offset, limit int) ([]core.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sorted := make([]core.Row, len(s.rows))
	copy(sorted, s.rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	if offset >= len(sorted) {
		return nil, false, nil
	}
	end := offset + limit
	hasMore := end < len(sorted)
	if end > len(sorted) {
		end = len(sorted)
	}
	page := make([]core.Row, end-offset)
	copy(page, sorted[offset:end])
	return page, hasMore, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
