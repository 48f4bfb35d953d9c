package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestCollapse_LastWins(t *testing.T) {
	runID := uuid.New()
	eff := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	rows := []StagedRow{
		stagedRow(runID, 0, "GLUCOSE", "2345-7", 119, eff),
		stagedRow(runID, 1, "SODIUM", "2951-2", 140, eff),
		stagedRow(runID, 2, "GLUCOSE, FASTING", "2345-7", 121, eff.In(time.FixedZone("EST", -5*3600))),
	}

	events := Collapse(rows, "portal")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Code != "2345-7" || events[0].ValueNum != 121 {
		t.Errorf("expected last glucose value in first position, got %+v", events[0])
	}
	if events[1].Code != "2951-2" || events[1].Source != "portal" {
		t.Errorf("unexpected second event %+v", events[1])
	}
}

func TestMerger_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	run := newTestRun(t, store)

	eff := time.Date(2024, 1, 5, 5, 0, 0, 0, time.UTC)
	rows := []StagedRow{
		stagedRow(run.ID, 0, "GLUCOSE", "2345-7", 119, eff),
		stagedRow(run.ID, 1, "SODIUM", "2951-2", 140, eff),
		stagedRow(run.ID, 2, "GLUCOSE", "2345-7", 118, eff),
	}
	if _, err := store.StageRows(ctx, rows); err != nil {
		t.Fatalf("stage: %v", err)
	}

	m := NewMerger(store, store, zerolog.Nop())
	first, err := m.Merge(ctx, run.ID)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if first.Inserted != 2 || first.Updated != 0 || first.Staged != 3 || first.Collapsed != 1 {
		t.Errorf("unexpected first merge %+v", first)
	}

	second, err := m.Merge(ctx, run.ID)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if second.Inserted != 0 || second.Updated != 0 || second.Unchanged != 2 {
		t.Errorf("expected second merge to change nothing, got %+v", second)
	}
	if second.DuplicateKeys != 0 {
		t.Errorf("expected no duplicate keys, got %d", second.DuplicateKeys)
	}

	events, err := store.ListEvents(ctx, "me")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	for _, e := range events {
		if e.Code == "2345-7" && e.ValueNum != 118 {
			t.Errorf("expected last staged glucose value, got %v", e.ValueNum)
		}
	}
}

func TestMerger_UnknownRun(t *testing.T) {
	store := newTestStore(t)
	m := NewMerger(store, store, zerolog.Nop())
	if _, err := m.Merge(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

type failingEvents struct{ err error }

func (f failingEvents) Upsert(context.Context, []CanonicalEvent) (UpsertCounts, error) {
	return UpsertCounts{}, f.err
}

func (f failingEvents) DuplicateKeys(context.Context) (int64, error) { return 0, nil }

func TestMerger_UpsertFailure(t *testing.T) {
	store := newTestStore(t)
	run := newTestRun(t, store)
	boom := errors.New("connection reset")

	m := NewMerger(store, failingEvents{err: boom}, zerolog.Nop())
	if _, err := m.Merge(context.Background(), run.ID); !errors.Is(err, boom) {
		t.Errorf("expected wrapped upsert error, got %v", err)
	}
}

func TestUpsertCounts_Add(t *testing.T) {
	var total UpsertCounts
	total.Add(UpsertCounts{Inserted: 2, Unchanged: 1})
	total.Add(UpsertCounts{Updated: 3, Unchanged: 4})
	if total != (UpsertCounts{Inserted: 2, Updated: 3, Unchanged: 5}) {
		t.Errorf("unexpected totals %+v", total)
	}
}
