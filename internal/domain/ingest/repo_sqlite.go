package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ctmansfield/health-portal/internal/domain/parser"
)

// sqliteTime is fixed width so stored times compare and sort as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// sqliteSchema mirrors migrations/001_ingest.sql table for table and column
// for column, with SQLite types.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS import_run (
	run_id           TEXT PRIMARY KEY,
	source           TEXT NOT NULL,
	person_id        TEXT NOT NULL,
	importer_version TEXT NOT NULL,
	mode             TEXT NOT NULL,
	created_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS staged_row (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id                   TEXT NOT NULL REFERENCES import_run(run_id),
	seq                      INTEGER NOT NULL,
	person_id                TEXT NOT NULL,
	provider                 TEXT NOT NULL,
	test_name                TEXT NOT NULL,
	display                  TEXT NOT NULL,
	value_num                REAL NOT NULL,
	value_text               TEXT,
	unit                     TEXT,
	flag                     TEXT,
	reference_text           TEXT,
	effective_time           TEXT NOT NULL,
	effective_time_defaulted INTEGER NOT NULL DEFAULT 0,
	code_system              TEXT NOT NULL,
	code                     TEXT NOT NULL,
	status                   TEXT,
	source_format            TEXT NOT NULL,
	source_line              TEXT,
	page                     INTEGER,
	ord                      INTEGER,
	src_hash                 TEXT NOT NULL,
	meta                     TEXT NOT NULL DEFAULT '{}',
	created_at               TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (run_id, src_hash)
);
CREATE TABLE IF NOT EXISTS rejection (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id         TEXT NOT NULL REFERENCES import_run(run_id),
	reason         TEXT NOT NULL,
	provider       TEXT,
	raw_text       TEXT,
	parsed         TEXT NOT NULL DEFAULT '{}',
	effective_time TEXT,
	input          TEXT,
	line_no        INTEGER,
	created_at     TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS duplicate (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL REFERENCES import_run(run_id),
	src_hash   TEXT NOT NULL,
	reason     TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS canonical_event (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	person_id      TEXT NOT NULL,
	effective_time TEXT NOT NULL,
	code_system    TEXT NOT NULL,
	code           TEXT NOT NULL,
	display        TEXT NOT NULL,
	value_num      REAL NOT NULL,
	unit           TEXT,
	source         TEXT NOT NULL,
	meta           TEXT NOT NULL DEFAULT '{}',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	UNIQUE (person_id, code, effective_time)
);`

// SQLiteStore is a Store on a single SQLite database, for local runs and
// tests.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the importer tables on db if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func toText(t time.Time) string { return t.UTC().Format(sqliteTime) }

func fromText(s string) (time.Time, error) { return time.Parse(sqliteTime, s) }

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) EnsureRun(ctx context.Context, run *ImportRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_run (run_id, source, person_id, importer_version, mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING`,
		run.ID.String(), run.Source, run.PersonID, run.ImporterVersion, string(run.Mode), toText(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("ensure import run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID) (*ImportRun, error) {
	var run ImportRun
	var runID, mode, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, source, person_id, importer_version, mode, created_at
		FROM import_run WHERE run_id = ?`, id.String()).
		Scan(&runID, &run.Source, &run.PersonID, &run.ImporterVersion, &mode, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import run: %w", err)
	}
	if run.ID, err = uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	if run.CreatedAt, err = fromText(created); err != nil {
		return nil, fmt.Errorf("parse run time: %w", err)
	}
	run.Mode = Mode(mode)
	return &run, nil
}

func (s *SQLiteStore) StageRows(ctx context.Context, rows []StagedRow) (int, error) {
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO staged_row (`+stagedCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, src_hash) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare staged insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			meta, err := toJSON(metaOrEmpty(r.Meta))
			if err != nil {
				return fmt.Errorf("encode meta: %w", err)
			}
			res, err := stmt.ExecContext(ctx,
				r.RunID.String(), r.Seq, r.PersonID, r.Provider, r.TestName, r.Display, r.ValueNum, nullable(r.ValueText),
				nullable(r.Unit), nullable(r.Flag), nullable(r.ReferenceText), toText(r.EffectiveTime), r.Defaulted, r.CodeSystem, r.Code,
				nullable(r.Status), string(r.SourceFormat), nullable(r.SourceLine), r.Page, r.Order, r.SrcHash, meta)
			if err != nil {
				return fmt.Errorf("stage row %d: %w", r.Seq, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	return inserted, err
}

func (s *SQLiteStore) RecordRejections(ctx context.Context, recs []RejectionRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range recs {
			parsed, err := toJSON(r.Fragments)
			if err != nil {
				return fmt.Errorf("encode fragments: %w", err)
			}
			if r.Fragments == nil {
				parsed = "{}"
			}
			var eff *string
			if r.EffectiveTime != nil {
				t := toText(*r.EffectiveTime)
				eff = &t
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rejection (run_id, reason, provider, raw_text, parsed, effective_time, input, line_no)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				r.RunID.String(), r.Reason, nullable(r.Provider), nullable(r.RawText), parsed, eff, nullable(r.Input), r.LineNo); err != nil {
				return fmt.Errorf("record rejection: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) RecordDuplicates(ctx context.Context, recs []DuplicateRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, d := range recs {
			details, err := toJSON(d.Details)
			if err != nil {
				return fmt.Errorf("encode details: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO duplicate (run_id, src_hash, reason, details) VALUES (?, ?, ?, ?)`,
				d.RunID.String(), d.SrcHash, d.Reason, details); err != nil {
				return fmt.Errorf("record duplicate: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ListStaged(ctx context.Context, runID uuid.UUID) ([]StagedRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stagedCols+` FROM staged_row WHERE run_id = ? ORDER BY seq, id`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list staged rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StagedRow
	for rows.Next() {
		var r StagedRow
		var id, eff, format, meta string
		var valueText, unit, flag, ref, status, line sql.NullString
		var page, ord sql.NullInt64
		if err := rows.Scan(&id, &r.Seq, &r.PersonID, &r.Provider, &r.TestName, &r.Display, &r.ValueNum, &valueText,
			&unit, &flag, &ref, &eff, &r.Defaulted, &r.CodeSystem, &r.Code,
			&status, &format, &line, &page, &ord, &r.SrcHash, &meta); err != nil {
			return nil, fmt.Errorf("scan staged row: %w", err)
		}
		if r.RunID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		if r.EffectiveTime, err = fromText(eff); err != nil {
			return nil, fmt.Errorf("parse effective time: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &r.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
		r.ValueText, r.Unit, r.Flag, r.ReferenceText = valueText.String, unit.String, flag.String, ref.String
		r.Status, r.SourceLine = status.String, line.String
		r.SourceFormat = parser.Format(format)
		r.Page, r.Order = int(page.Int64), int(ord.Int64)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert applies events one at a time inside a single transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, events []CanonicalEvent) (UpsertCounts, error) {
	var counts UpsertCounts
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := toText(s.now())
		for _, e := range events {
			meta, err := toJSON(metaOrEmpty(e.Meta))
			if err != nil {
				return fmt.Errorf("encode meta: %w", err)
			}
			eff := toText(e.EffectiveTime)

			var id int64
			var system, display, source, storedMeta string
			var value float64
			var unit sql.NullString
			err = tx.QueryRowContext(ctx, `
				SELECT id, code_system, display, value_num, unit, source, meta
				FROM canonical_event WHERE person_id = ? AND code = ? AND effective_time = ?`,
				e.PersonID, e.Code, eff).Scan(&id, &system, &display, &value, &unit, &source, &storedMeta)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO canonical_event
						(person_id, effective_time, code_system, code, display, value_num, unit, source, meta, created_at, updated_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					e.PersonID, eff, e.CodeSystem, e.Code, e.Display, e.ValueNum, nullable(e.Unit), e.Source, meta, now, now); err != nil {
					return fmt.Errorf("insert canonical event: %w", err)
				}
				counts.Inserted++
			case err != nil:
				return fmt.Errorf("load canonical event: %w", err)
			case system == e.CodeSystem && display == e.Display && value == e.ValueNum &&
				unit.String == e.Unit && source == e.Source && storedMeta == meta:
				counts.Unchanged++
			default:
				if _, err := tx.ExecContext(ctx, `
					UPDATE canonical_event
					SET code_system = ?, display = ?, value_num = ?, unit = ?, source = ?, meta = ?, updated_at = ?
					WHERE id = ?`,
					e.CodeSystem, e.Display, e.ValueNum, nullable(e.Unit), e.Source, meta, now, id); err != nil {
					return fmt.Errorf("update canonical event: %w", err)
				}
				counts.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertCounts{}, err
	}
	return counts, nil
}

func (s *SQLiteStore) DuplicateKeys(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM canonical_event
			GROUP BY person_id, code, effective_time
			HAVING COUNT(*) > 1
		)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count duplicate canonical keys: %w", err)
	}
	return n, nil
}

// ListEvents returns the canonical events of person ordered by time.
func (s *SQLiteStore) ListEvents(ctx context.Context, personID string) ([]CanonicalEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, person_id, effective_time, code_system, code, display, value_num, unit, source, meta, created_at, updated_at
		FROM canonical_event WHERE person_id = ? ORDER BY effective_time, code`, personID)
	if err != nil {
		return nil, fmt.Errorf("list canonical events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CanonicalEvent
	for rows.Next() {
		var e CanonicalEvent
		var eff, meta, created, updated string
		var unit sql.NullString
		if err := rows.Scan(&e.ID, &e.PersonID, &eff, &e.CodeSystem, &e.Code, &e.Display, &e.ValueNum, &unit,
			&e.Source, &meta, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan canonical event: %w", err)
		}
		e.Unit = unit.String
		if e.EffectiveTime, err = fromText(eff); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = fromText(created); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = fromText(updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Meta); err != nil {
			return nil, fmt.Errorf("decode meta: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
