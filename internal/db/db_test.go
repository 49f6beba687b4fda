package db

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := NewDB(filepath.Join(t.TempDir(), "strain_test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrateUpIdempotent(t *testing.T) {
	d := openTestDB(t)

	version, dirty, err := d.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion before migration: %v", err)
	}
	if version != 0 || dirty {
		t.Fatalf("fresh database at version %d (dirty=%v), want 0", version, dirty)
	}

	if err := d.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	version, dirty, err = d.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion: %v", err)
	}
	if version == 0 || dirty {
		t.Fatalf("after migration version %d (dirty=%v), want nonzero clean", version, dirty)
	}

	// Running again with nothing pending must be a no-op, not an error.
	if err := d.MigrateUp(); err != nil {
		t.Fatalf("repeat MigrateUp: %v", err)
	}
}

func TestMigratedSchemaUsable(t *testing.T) {
	d := openTestDB(t)
	if err := d.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}

	for _, table := range []string{"triggers", "psd_snapshots", "events", "background_counts", "alerts", "watermarks"} {
		var n int
		if err := d.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Errorf("table %s not queryable: %v", table, err)
		}
	}
}

func TestWALJournalMode(t *testing.T) {
	d := openTestDB(t)
	var mode string
	if err := d.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("read journal_mode pragma: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}
