package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/propagatehq/propagate/internal/config"
)

func newTestSnapshotDB(t *testing.T) DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "propagate.db")
	db, err := NewSQLite(config.DatabaseConfig{Path: dbPath})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db
}

func TestHashContentIsSixteenHexChars(t *testing.T) {
	h := HashContent([]byte("paths: {}\n"))
	if len(h) != 16 {
		t.Fatalf("HashContent length = %d, want 16: %q", len(h), h)
	}
	if h2 := HashContent([]byte("paths: {}\n")); h != h2 {
		t.Fatalf("HashContent not stable: %s != %s", h, h2)
	}
	if h3 := HashContent([]byte("paths: {other: true}\n")); h3 == h {
		t.Fatalf("HashContent did not change with different content")
	}
}

func TestSnapshotRepoLatestEmpty(t *testing.T) {
	db := newTestSnapshotDB(t)
	repo := NewSnapshotRepo(db)

	snap, err := repo.Latest(context.Background())
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot on empty table, got %+v", snap)
	}
}

func TestSnapshotRepoPutAndLatest(t *testing.T) {
	db := newTestSnapshotDB(t)
	repo := NewSnapshotRepo(db)
	ctx := context.Background()

	hash := HashContent([]byte("openapi: 3.0.0\n"))
	if _, err := repo.Put(ctx, hash, "openapi: 3.0.0\n", "abc123"); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	latest, err := repo.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest() error: %v", err)
	}
	if latest == nil || latest.VersionHash != hash || latest.SourceRef != "abc123" {
		t.Fatalf("unexpected latest snapshot: %+v", latest)
	}
}

func TestSnapshotRepoPutIsIdempotentOnHash(t *testing.T) {
	db := newTestSnapshotDB(t)
	repo := NewSnapshotRepo(db)
	ctx := context.Background()

	hash := HashContent([]byte("openapi: 3.0.0\n"))
	first, err := repo.Put(ctx, hash, "openapi: 3.0.0\n", "rev1")
	if err != nil {
		t.Fatalf("first Put() error: %v", err)
	}
	second, err := repo.Put(ctx, hash, "openapi: 3.0.0\n", "rev2")
	if err != nil {
		t.Fatalf("second Put() error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("Put() with same hash created a new row: first=%d second=%d", first.ID, second.ID)
	}
	if second.SourceRef != "rev1" {
		t.Fatalf("expected idempotent Put to keep the original source_ref, got %q", second.SourceRef)
	}
}
