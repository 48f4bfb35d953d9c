package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ctmansfield/health-portal/internal/domain/parser"
	"github.com/ctmansfield/health-portal/internal/platform/db"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	store, err := NewSQLiteStore(ctx, conn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func newTestRun(t *testing.T, store *SQLiteStore) *ImportRun {
	t.Helper()
	run := &ImportRun{
		ID:              uuid.New(),
		Source:          "portal",
		PersonID:        "me",
		ImporterVersion: ImporterVersion,
		Mode:            ModeFull,
		CreatedAt:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := store.EnsureRun(context.Background(), run); err != nil {
		t.Fatalf("ensure run: %v", err)
	}
	return run
}

func stagedRow(runID uuid.UUID, seq int, name, code string, value float64, eff time.Time) StagedRow {
	return StagedRow{
		RunID:         runID,
		Seq:           seq,
		PersonID:      "me",
		Provider:      "Dr. Smith",
		TestName:      name,
		Display:       name,
		ValueNum:      value,
		Unit:          "mg/dL",
		EffectiveTime: eff,
		CodeSystem:    "LOINC",
		Code:          code,
		SourceFormat:  parser.FormatPanel,
		SourceLine:    fmt.Sprintf("%s  %g", name, value),
		SrcHash:       ContentHash("Dr. Smith", name, "", eff, fmt.Sprintf("%d:%s", seq, name)),
		Meta:          map[string]any{"line": seq + 1},
	}
}

func TestPlaceholders(t *testing.T) {
	if got := placeholders(2, 3); got != "($1, $2, $3), ($4, $5, $6)" {
		t.Errorf("unexpected placeholders %q", got)
	}
	if got := placeholders(0, 3); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestBatchRows(t *testing.T) {
	tests := []struct {
		size, cols, want int
	}{
		{500, 22, 500},
		{0, 22, 65535 / 22},
		{10000, 22, 65535 / 22},
		{-1, 12, 65535 / 12},
	}
	for _, tt := range tests {
		if got := batchRows(tt.size, tt.cols); got != tt.want {
			t.Errorf("batchRows(%d, %d) = %d, want %d", tt.size, tt.cols, got, tt.want)
		}
	}
}

func TestSQLiteStore_GetRun(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)

	// registering again is a no-op
	if err := store.EnsureRun(context.Background(), run); err != nil {
		t.Fatalf("ensure run twice: %v", err)
	}

	got, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ID != run.ID || got.Source != "portal" || got.Mode != ModeFull || !got.CreatedAt.Equal(run.CreatedAt) {
		t.Errorf("unexpected run %+v", got)
	}

	if _, err := store.GetRun(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSQLiteStore_StageRowsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	run := newTestRun(t, store)

	eff := time.Date(2024, 1, 5, 5, 0, 0, 0, time.UTC)
	rows := []StagedRow{
		stagedRow(run.ID, 0, "GLUCOSE", "2345-7", 119, eff),
		stagedRow(run.ID, 1, "SODIUM", "2951-2", 140, eff),
	}
	rows[1].Unit = ""
	rows[1].Page, rows[1].Order = 2, 4

	n, err := store.StageRows(ctx, rows)
	if err != nil || n != 2 {
		t.Fatalf("first stage: n=%d err=%v", n, err)
	}
	n, err = store.StageRows(ctx, rows)
	if err != nil || n != 0 {
		t.Fatalf("second stage: n=%d err=%v", n, err)
	}

	got, err := store.ListStaged(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListStaged: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].TestName != "GLUCOSE" || got[1].TestName != "SODIUM" {
		t.Errorf("expected staging order, got %s %s", got[0].TestName, got[1].TestName)
	}
	if !got[0].EffectiveTime.Equal(eff) || got[0].Unit != "mg/dL" || got[0].SrcHash != rows[0].SrcHash {
		t.Errorf("unexpected round trip %+v", got[0])
	}
	if got[1].Unit != "" || got[1].Page != 2 || got[1].Order != 4 {
		t.Errorf("unexpected nullable round trip %+v", got[1])
	}
	if got[0].Meta["line"] != float64(1) {
		t.Errorf("expected meta round trip, got %v", got[0].Meta)
	}
}

func TestSQLiteStore_Ledgers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	run := newTestRun(t, store)

	eff := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	if err := store.RecordRejections(ctx, []RejectionRecord{
		{RunID: run.ID, Reason: ReasonNonNumeric, RawText: "U  SEE NOTE", Fragments: map[string]string{"test": "U"}, EffectiveTime: &eff},
		{RunID: run.ID, Reason: parser.ReasonMalformedRecord, RawText: "{"},
	}); err != nil {
		t.Fatalf("RecordRejections: %v", err)
	}
	if err := store.RecordDuplicates(ctx, []DuplicateRecord{
		{RunID: run.ID, SrcHash: "abc", Reason: ReasonDuplicate, Details: map[string]string{"test": "GLUCOSE"}},
	}); err != nil {
		t.Fatalf("RecordDuplicates: %v", err)
	}

	var rejections, duplicates int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rejection WHERE run_id = ?`, run.ID.String()).Scan(&rejections); err != nil {
		t.Fatal(err)
	}
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM duplicate WHERE run_id = ?`, run.ID.String()).Scan(&duplicates); err != nil {
		t.Fatal(err)
	}
	if rejections != 2 || duplicates != 1 {
		t.Errorf("expected 2 rejections and 1 duplicate, got %d %d", rejections, duplicates)
	}
}

func TestSQLiteStore_StageRequiresRun(t *testing.T) {
	store := newTestStore(t)
	row := stagedRow(uuid.New(), 0, "GLUCOSE", "2345-7", 1, time.Now())
	if _, err := store.StageRows(context.Background(), []StagedRow{row}); err == nil {
		t.Error("expected foreign key failure for an unregistered run")
	}
}

func TestSQLiteStore_Upsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	eff := time.Date(2024, 1, 5, 5, 0, 0, 0, time.UTC)

	ev := CanonicalEvent{PersonID: "me", EffectiveTime: eff, CodeSystem: "LOINC", Code: "2345-7", Display: "Glucose", ValueNum: 119, Unit: "mg/dL", Source: "portal"}
	counts, err := store.Upsert(ctx, []CanonicalEvent{ev})
	if err != nil || counts.Inserted != 1 {
		t.Fatalf("insert: %+v %v", counts, err)
	}

	counts, err = store.Upsert(ctx, []CanonicalEvent{ev})
	if err != nil || counts.Unchanged != 1 || counts.Inserted != 0 || counts.Updated != 0 {
		t.Fatalf("repeat: %+v %v", counts, err)
	}

	ev.ValueNum = 120
	counts, err = store.Upsert(ctx, []CanonicalEvent{ev})
	if err != nil || counts.Updated != 1 {
		t.Fatalf("update: %+v %v", counts, err)
	}

	events, err := store.ListEvents(ctx, "me")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].ValueNum != 120 {
		t.Errorf("expected one updated event, got %+v", events)
	}
	if n, err := store.DuplicateKeys(ctx); err != nil || n != 0 {
		t.Errorf("expected no duplicate keys, got %d %v", n, err)
	}
}
