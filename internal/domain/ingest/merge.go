package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Merger moves a staged run into the canonical event store.
type Merger struct {
	staging StagingRepository
	events  EventStore
	logger  zerolog.Logger
}

func NewMerger(staging StagingRepository, events EventStore, logger zerolog.Logger) *Merger {
	return &Merger{
		staging: staging,
		events:  events,
		logger:  logger.With().Str("component", "merge").Logger(),
	}
}

// canonicalKey is the uniqueness key of the canonical store.
type canonicalKey struct {
	person string
	code   string
	at     int64
}

// Collapse reduces rows to one event per canonical key. The last row in
// staging order wins; events keep the order in which their key first
// appeared.
func Collapse(rows []StagedRow, source string) []CanonicalEvent {
	index := make(map[canonicalKey]int, len(rows))
	events := make([]CanonicalEvent, 0, len(rows))
	for _, r := range rows {
		key := canonicalKey{person: r.PersonID, code: r.Code, at: r.EffectiveTime.UnixNano()}
		ev := EventFromStaged(r, source)
		if i, ok := index[key]; ok {
			events[i] = ev
			continue
		}
		index[key] = len(events)
		events = append(events, ev)
	}
	return events
}

// Merge upserts the staged rows of runID. Merging the same run twice leaves
// the store unchanged the second time.
func (m *Merger) Merge(ctx context.Context, runID uuid.UUID) (*MergeResult, error) {
	run, err := m.staging.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := m.staging.ListStaged(ctx, runID)
	if err != nil {
		return nil, err
	}

	events := Collapse(rows, run.Source)
	res := &MergeResult{RunID: runID, Staged: len(rows), Collapsed: len(rows) - len(events)}
	if res.Collapsed > 0 {
		m.logger.Warn().Str("run_id", runID.String()).Int("collapsed", res.Collapsed).
			Msg("staged rows share a canonical key; keeping the last of each")
	}

	counts, err := m.events.Upsert(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("merge run %s: %w", runID, err)
	}
	res.UpsertCounts = counts

	if res.DuplicateKeys, err = m.events.DuplicateKeys(ctx); err != nil {
		return nil, err
	}
	if res.DuplicateKeys > 0 {
		m.logger.Error().Int64("duplicate_keys", res.DuplicateKeys).Msg("canonical store holds duplicate keys")
	}

	m.logger.Info().
		Str("run_id", runID.String()).
		Int("staged", res.Staged).
		Int("inserted", res.Inserted).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Msg("merge complete")
	return res, nil
}
