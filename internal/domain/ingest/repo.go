package ingest

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrRunNotFound = errors.New("import run not found")

// StagingRepository holds import runs and their append-only ledgers.
type StagingRepository interface {
	// EnsureRun registers run. Registering an existing run id is a no-op.
	EnsureRun(ctx context.Context, run *ImportRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*ImportRun, error)
	// StageRows inserts rows, ignoring rows already staged for the same
	// run and content hash. It returns the number of rows inserted.
	StageRows(ctx context.Context, rows []StagedRow) (int, error)
	RecordRejections(ctx context.Context, recs []RejectionRecord) error
	RecordDuplicates(ctx context.Context, recs []DuplicateRecord) error
	// ListStaged returns a run's staged rows in staging order.
	ListStaged(ctx context.Context, runID uuid.UUID) ([]StagedRow, error)
}

// EventStore is the canonical event store.
type EventStore interface {
	// Upsert inserts events whose (person, code, effective time) key is new
	// and updates existing events in place when their value, unit, display,
	// code system, source or provenance differ. Callers must not pass two
	// events with the same key.
	Upsert(ctx context.Context, events []CanonicalEvent) (UpsertCounts, error)
	// DuplicateKeys counts keys held by more than one event.
	DuplicateKeys(ctx context.Context) (int64, error)
}

// Store is a backend that serves both roles.
type Store interface {
	StagingRepository
	EventStore
}

// maxParams is PostgreSQL's bind parameter limit per statement.
const maxParams = 65535

// batchRows clamps the configured batch size so one statement stays under
// the driver parameter limit.
func batchRows(batchSize, cols int) int {
	limit := maxParams / cols
	if batchSize <= 0 || batchSize > limit {
		return limit
	}
	return batchSize
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
