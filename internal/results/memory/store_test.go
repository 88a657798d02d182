package memory

import (
	"context"
	"testing"

	"vialcounter/internal/results/core"
)

func insertN(t *testing.T, s *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := s.Insert(context.Background(), core.NewRow{
			OriginalImageKey:  "before/a.jpg",
			ProcessedImageKey: "after/a.jpg",
			CountedVials:      i,
			Percentage:        50,
		}); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	s := New()
	insertN(t, s, 3)
	rows, _, err := s.List(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len = %d, want 3", len(rows))
	}
	// newest first
	if rows[0].ID != 3 || rows[1].ID != 2 || rows[2].ID != 1 {
		t.Fatalf("ids = %d,%d,%d", rows[0].ID, rows[1].ID, rows[2].ID)
	}
	if !rows[0].Approved {
		t.Fatal("inserted row not marked approved")
	}
}

func TestListPagination(t *testing.T) {
	s := New()
	insertN(t, s, 5)
	ctx := context.Background()

	page1, more, err := s.List(ctx, 0, 2)
	if err != nil || len(page1) != 2 || !more {
		t.Fatalf("page1 = (%d rows, more=%v, err=%v)", len(page1), more, err)
	}
	page2, more, err := s.List(ctx, 2, 2)
	if err != nil || len(page2) != 2 || !more {
		t.Fatalf("page2 = (%d rows, more=%v, err=%v)", len(page2), more, err)
	}
	page3, more, err := s.List(ctx, 4, 2)
	if err != nil || len(page3) != 1 || more {
		t.Fatalf("page3 = (%d rows, more=%v, err=%v)", len(page3), more, err)
	}

	seen := map[int64]bool{}
	for _, rows := range [][]core.Row{page1, page2, page3} {
		for _, r := range rows {
			if seen[r.ID] {
				t.Fatalf("duplicate id %d across pages", r.ID)
			}
			seen[r.ID] = true
		}
	}
	if len(seen) != 5 {
		t.Fatalf("distinct ids = %d, want 5", len(seen))
	}
}

func TestListOffsetPastEnd(t *testing.T) {
	s := New()
	insertN(t, s, 2)
	rows, more, err := s.List(context.Background(), 10, 5)
	if err != nil || rows != nil || more {
		t.Fatalf("got (%v, %v, %v)", rows, more, err)
	}
}
