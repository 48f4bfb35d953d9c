// Package ingest runs lab exports through parsing, value extraction, code
// mapping and deduplication into a per-run staging area, and merges staged
// runs into the long-lived canonical event store.
package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctmansfield/health-portal/internal/domain/parser"
)

// ImporterVersion tags every import run and staged row.
const ImporterVersion = "portal_ingest_v1"

const (
	// UnknownProvider stands in for rows whose source names no provider.
	UnknownProvider = "Unknown"
	// ReasonNonNumeric rejects rows whose value is a placeholder or otherwise
	// has no leading number.
	ReasonNonNumeric = "non-numeric or SEE NOTE"
	// ReasonNoPerson rejects rows of a run without a person id whose record
	// names no subject either.
	ReasonNoPerson = "no-person"
	// ReasonDuplicate marks a row whose natural key was already staged in
	// the same run.
	ReasonDuplicate = "within-run duplicate"
)

// Mode controls how far a run goes.
type Mode string

const (
	ModeDryRun    Mode = "dry-run"
	ModeStageOnly Mode = "stage-only"
	ModeFull      Mode = "full"
)

// ParseMode validates s. An empty string selects ModeFull.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeStageOnly:
		return ModeStageOnly, nil
	case ModeDryRun:
		return ModeDryRun, nil
	}
	return "", fmt.Errorf("invalid mode %q (want dry-run, stage-only or full)", s)
}

// Stages reports whether the mode writes to the staging store.
func (m Mode) Stages() bool { return m == ModeStageOnly || m == ModeFull }

// ImportRun identifies one execution of the importer. It is immutable once
// created.
type ImportRun struct {
	ID              uuid.UUID `json:"run_id"`
	Source          string    `json:"source"`
	PersonID        string    `json:"person_id"`
	ImporterVersion string    `json:"importer_version"`
	Mode            Mode      `json:"mode"`
	CreatedAt       time.Time `json:"created_at"`
}

// StagedRow is one accepted, canonicalized row of a run. ValueNum is always
// set; empty strings are stored as NULL.
type StagedRow struct {
	RunID         uuid.UUID      `json:"run_id"`
	Seq           int            `json:"seq"`
	PersonID      string         `json:"person_id"`
	Provider      string         `json:"provider"`
	TestName      string         `json:"test_name"`
	Display       string         `json:"display"`
	ValueNum      float64        `json:"value_num"`
	ValueText     string         `json:"value_text,omitempty"`
	Unit          string         `json:"unit,omitempty"`
	Flag          string         `json:"flag,omitempty"`
	ReferenceText string         `json:"reference_text,omitempty"`
	EffectiveTime time.Time      `json:"effective_time"`
	Defaulted     bool           `json:"effective_time_defaulted"`
	CodeSystem    string         `json:"code_system"`
	Code          string         `json:"code"`
	Status        string         `json:"status,omitempty"`
	SourceFormat  parser.Format  `json:"source_format"`
	SourceLine    string         `json:"src_line,omitempty"`
	Page          int            `json:"src_page,omitempty"`
	Order         int            `json:"src_order,omitempty"`
	SrcHash       string         `json:"src_hash"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Record converts r to the canonical NDJSON shape written to staged.ndjson,
// which the canonical NDJSON parser reads back unchanged.
func (r StagedRow) Record(source string) parser.CanonicalRecord {
	v := r.ValueNum
	return parser.CanonicalRecord{
		PersonID:      r.PersonID,
		EffectiveTime: r.EffectiveTime.Format(time.RFC3339Nano),
		CodeSystem:    r.CodeSystem,
		Code:          r.Code,
		Display:       r.Display,
		ValueNum:      &v,
		ValueText:     r.ValueText,
		Unit:          r.Unit,
		Status:        r.Status,
		Source:        source,
		Raw:           r.SourceLine,
		Meta:          r.Meta,
		Provider:      r.Provider,
		TestName:      r.TestName,
		Flag:          r.Flag,
		ReferenceText: r.ReferenceText,
		Defaulted:     r.Defaulted,
	}
}

// RejectionRecord is a row that could not be staged.
type RejectionRecord struct {
	RunID         uuid.UUID         `json:"run_id"`
	Reason        string            `json:"reason"`
	Provider      string            `json:"provider,omitempty"`
	RawText       string            `json:"raw_text"`
	Fragments     map[string]string `json:"parsed,omitempty"`
	EffectiveTime *time.Time        `json:"effective_time,omitempty"`
	Input         string            `json:"input,omitempty"`
	LineNo        int               `json:"line_no,omitempty"`
}

// DuplicateRecord is a row diverted because an earlier row in the same run
// had the same natural key.
type DuplicateRecord struct {
	RunID   uuid.UUID         `json:"run_id"`
	SrcHash string            `json:"src_hash"`
	Reason  string            `json:"reason"`
	Details map[string]string `json:"details"`
}

// CanonicalEvent is one row of the shared canonical store. There is at most
// one event per (person, code, effective time).
type CanonicalEvent struct {
	ID            int64          `json:"id,omitempty"`
	PersonID      string         `json:"person_id"`
	EffectiveTime time.Time      `json:"effective_time"`
	CodeSystem    string         `json:"code_system"`
	Code          string         `json:"code"`
	Display       string         `json:"display"`
	ValueNum      float64        `json:"value_num"`
	Unit          string         `json:"unit,omitempty"`
	Source        string         `json:"source"`
	Meta          map[string]any `json:"meta,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// EventFromStaged builds the canonical event a staged row merges into.
func EventFromStaged(r StagedRow, source string) CanonicalEvent {
	return CanonicalEvent{
		PersonID:      r.PersonID,
		EffectiveTime: r.EffectiveTime,
		CodeSystem:    r.CodeSystem,
		Code:          r.Code,
		Display:       r.Display,
		ValueNum:      r.ValueNum,
		Unit:          r.Unit,
		Source:        source,
		Meta:          r.Meta,
	}
}

// UpsertCounts is what an EventStore did with a batch of events.
type UpsertCounts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
}

func (c *UpsertCounts) Add(o UpsertCounts) {
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
}

// MergeResult reports one merge of a staged run.
type MergeResult struct {
	RunID uuid.UUID `json:"run_id"`
	UpsertCounts
	Staged int `json:"staged"`
	// Collapsed counts staged rows superseded by a later row with the same
	// canonical key.
	Collapsed int `json:"collapsed"`
	// DuplicateKeys is the canonical store's count of keys held by more than
	// one event after the merge. The unique constraint keeps it at zero.
	DuplicateKeys int64 `json:"duplicate_keys"`
}

// InputSummary is the per-input part of a run summary.
type InputSummary struct {
	Name       string        `json:"name"`
	Format     parser.Format `json:"format,omitempty"`
	Candidates int           `json:"candidates"`
	Staged     int           `json:"staged"`
	Rejected   int           `json:"rejected"`
	Duplicates int           `json:"duplicates"`
	Skipped    int           `json:"skipped"`
	Orphans    int           `json:"orphans"`
	Missing    bool          `json:"missing,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Summary is written to summary.json at the end of every run.
type Summary struct {
	RunID           uuid.UUID      `json:"run_id"`
	Source          string         `json:"source"`
	PersonID        string         `json:"person_id"`
	Mode            Mode           `json:"mode"`
	ImporterVersion string         `json:"importer_version"`
	Inputs          []InputSummary `json:"inputs"`
	Candidates      int            `json:"candidates"`
	StagedRows      int            `json:"staged_rows"`
	Duplicates      int            `json:"duplicates"`
	Rejections      int            `json:"rejections"`
	Skipped         int            `json:"skipped"`
	Orphans         int            `json:"orphans"`
	// StageConflicts counts staged rows the store already held under the
	// same content hash and did not insert again.
	StageConflicts  int            `json:"stage_conflicts,omitempty"`
	Merge           *MergeResult   `json:"merge,omitempty"`
	Artifacts       string         `json:"artifacts,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
}

func (s *Summary) add(in InputSummary) {
	s.Inputs = append(s.Inputs, in)
	s.Candidates += in.Candidates
	s.StagedRows += in.Staged
	s.Duplicates += in.Duplicates
	s.Rejections += in.Rejected
	s.Skipped += in.Skipped
	s.Orphans += in.Orphans
}
