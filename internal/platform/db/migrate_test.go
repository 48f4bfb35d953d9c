package db

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadMigrations(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"010_views.sql":     "SELECT 10;",
		"001_ingest.sql":    "CREATE TABLE import_run (run_id UUID PRIMARY KEY);",
		"002_staging.sql":   "CREATE TABLE staged_row (id BIGSERIAL PRIMARY KEY);",
		"readme.sql":        "-- no version prefix",
		"abc_invalid.sql":   "-- non-numeric prefix",
		"notes.txt":         "not sql",
		"005_canonical.sql": "CREATE TABLE canonical_event (id BIGSERIAL PRIMARY KEY);",
	})

	migrations, err := NewMigrator(nil, dir).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	want := []int{1, 2, 5, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	first := migrations[0]
	if first.Name != "001_ingest.sql" || first.SQL != "CREATE TABLE import_run (run_id UUID PRIMARY KEY);" {
		t.Errorf("unexpected first migration %+v", first)
	}
	if len(first.Checksum) != 64 || first.Checksum != checksum(first.SQL) {
		t.Errorf("unexpected checksum %q", first.Checksum)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_ingest.sql": "SELECT 1;",
		"1_other.sql":    "SELECT 2;",
	})
	if _, err := NewMigrator(nil, dir).LoadMigrations(); err == nil {
		t.Error("expected error for two files with version 1")
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrations, err := NewMigrator(nil, t.TempDir()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	if _, err := NewMigrator(nil, "/nonexistent/migrations").LoadMigrations(); err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestNewMigratorFS(t *testing.T) {
	fsys := fstest.MapFS{
		"002_b.sql": {Data: []byte("SELECT 2;")},
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"README.md": {Data: []byte("docs")},
		"x_bad.sql": {Data: []byte("SELECT 0;")},
	}
	migrations, err := NewMigratorFS(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 || migrations[0].Name != "001_a.sql" || migrations[1].Name != "002_b.sql" {
		t.Errorf("unexpected migrations %+v", migrations)
	}
}

func TestStatusOf(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_ingest.sql", Checksum: checksum("a")},
		{Version: 2, Name: "002_events.sql", Checksum: checksum("b")},
		{Version: 3, Name: "003_indexes.sql", Checksum: checksum("c")},
	}
	at := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	applied := map[int]appliedMigration{
		1: {at: at, checksum: checksum("a")},
		2: {at: at, checksum: checksum("edited")},
	}

	statuses := statusOf(migrations, applied)
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) || statuses[0].Modified {
		t.Errorf("expected 001 applied and unchanged, got %+v", statuses[0])
	}
	if !statuses[1].Modified {
		t.Errorf("expected 002 reported as modified, got %+v", statuses[1])
	}
	if statuses[2].Applied || statuses[2].AppliedAt != nil {
		t.Errorf("expected 003 pending, got %+v", statuses[2])
	}
}

func TestPendingAndVerify(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_a.sql", Checksum: "c1"},
		{Version: 2, Name: "002_b.sql", Checksum: "c2"},
		{Version: 3, Name: "003_c.sql", Checksum: "c3"},
	}

	tests := []struct {
		name    string
		applied map[int]appliedMigration
		pending []int
		wantErr bool
	}{
		{"fresh schema", nil, []int{1, 2, 3}, false},
		{"gap is filled", map[int]appliedMigration{1: {checksum: "c1"}, 3: {checksum: "c3"}}, []int{2}, false},
		{"legacy row without checksum", map[int]appliedMigration{1: {}}, []int{2, 3}, false},
		{"edited after apply", map[int]appliedMigration{1: {checksum: "other"}}, []int{2, 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := pending(migrations, tt.applied)
			if len(got) != len(tt.pending) {
				t.Fatalf("expected %d pending, got %+v", len(tt.pending), got)
			}
			for i, v := range tt.pending {
				if got[i].Version != v {
					t.Errorf("pending[%d] = %d, want %d", i, got[i].Version, v)
				}
			}

			err := verify(migrations, tt.applied)
			if tt.wantErr != (err != nil) {
				t.Fatalf("verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMigrationModified) {
				t.Errorf("expected ErrMigrationModified, got %v", err)
			}
		})
	}
}

func TestNewMigrator(t *testing.T) {
	m := NewMigrator(nil, "/some/path")
	if m.dir != "/some/path" || m.fsys == nil || m.pool != nil {
		t.Errorf("unexpected migrator %+v", m)
	}
}
