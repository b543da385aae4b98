package stores

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/icos-project/polman/pkg/model"
)

// TestSQLiteMigrations checks that migrations create the expected tables.
func TestSQLiteMigrations(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()

	ctx := context.Background()
	for _, table := range []string{"policies", "policy_events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("repeated migration failed: %v", err)
	}
}

func TestSQLiteDeleteRemovesEvents(t *testing.T) {
	store := setupSQLiteStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.Insert(ctx, testPolicy("p1", "i1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.AddEvent(ctx, "p1", model.NewActivatedEvent()); err != nil {
		t.Fatalf("add event: %v", err)
	}
	if err := store.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM policy_events").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no orphan events, got %d", count)
	}
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polman.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		s, err := NewSQLiteStore(SQLiteConfig{Path: path})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return s
	}

	s := open()
	if err := s.Insert(ctx, testPolicy("p1", "i1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.SetPhase(ctx, "p1", model.PhaseEnforced); err != nil {
		t.Fatalf("set phase: %v", err)
	}
	_ = s.Close()

	s = open()
	defer s.Close()
	p, err := s.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Status.Phase != model.PhaseEnforced || len(p.Status.Events) != 1 {
		t.Errorf("unexpected policy after reopen: phase %s, events %v", p.Status.Phase, p.EventTypes())
	}
}
