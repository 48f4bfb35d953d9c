package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ctmansfield/health-portal/internal/domain/parser"
	"github.com/ctmansfield/health-portal/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// placeholders renders rows groups of cols positional parameters:
// ($1, $2), ($3, $4), ...
func placeholders(rows, cols int) string {
	var b strings.Builder
	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func metaOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// =========== Staging Repository ===========

type stagingRepoPG struct {
	pool      *pgxpool.Pool
	batchSize int
}

func NewStagingRepoPG(pool *pgxpool.Pool, batchSize int) StagingRepository {
	return &stagingRepoPG{pool: pool, batchSize: batchSize}
}

func (r *stagingRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *stagingRepoPG) EnsureRun(ctx context.Context, run *ImportRun) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO import_run (run_id, source, person_id, importer_version, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO NOTHING`,
		run.ID, run.Source, run.PersonID, run.ImporterVersion, string(run.Mode), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("ensure import run: %w", err)
	}
	return nil
}

func (r *stagingRepoPG) GetRun(ctx context.Context, id uuid.UUID) (*ImportRun, error) {
	var run ImportRun
	var mode string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT run_id, source, person_id, importer_version, mode, created_at
		FROM import_run WHERE run_id = $1`, id).
		Scan(&run.ID, &run.Source, &run.PersonID, &run.ImporterVersion, &mode, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import run: %w", err)
	}
	run.Mode = Mode(mode)
	return &run, nil
}

const stagedCols = `run_id, seq, person_id, provider, test_name, display, value_num, value_text,
	unit, flag, reference_text, effective_time, effective_time_defaulted, code_system, code,
	status, source_format, source_line, page, ord, src_hash, meta`

const stagedColCount = 22

func (r *stagingRepoPG) StageRows(ctx context.Context, rows []StagedRow) (int, error) {
	size := batchRows(r.batchSize, stagedColCount)
	inserted := 0
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		for start := 0; start < len(rows); start += size {
			end := min(start+size, len(rows))
			batch := rows[start:end]

			args := make([]interface{}, 0, len(batch)*stagedColCount)
			for _, s := range batch {
				args = append(args,
					s.RunID, s.Seq, s.PersonID, s.Provider, s.TestName, s.Display, s.ValueNum, nullable(s.ValueText),
					nullable(s.Unit), nullable(s.Flag), nullable(s.ReferenceText), s.EffectiveTime, s.Defaulted, s.CodeSystem, s.Code,
					nullable(s.Status), string(s.SourceFormat), nullable(s.SourceLine), s.Page, s.Order, s.SrcHash, metaOrEmpty(s.Meta))
			}
			tag, err := r.conn(ctx).Exec(ctx,
				`INSERT INTO staged_row (`+stagedCols+`) VALUES `+placeholders(len(batch), stagedColCount)+`
				ON CONFLICT (run_id, src_hash) DO NOTHING`, args...)
			if err != nil {
				return fmt.Errorf("stage rows %d-%d: %w", start, end, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	return inserted, err
}

func (r *stagingRepoPG) RecordRejections(ctx context.Context, recs []RejectionRecord) error {
	const cols = 8
	size := batchRows(r.batchSize, cols)
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		for start := 0; start < len(recs); start += size {
			batch := recs[start:min(start+size, len(recs))]
			args := make([]interface{}, 0, len(batch)*cols)
			for _, rej := range batch {
				fragments := rej.Fragments
				if fragments == nil {
					fragments = map[string]string{}
				}
				args = append(args, rej.RunID, rej.Reason, nullable(rej.Provider), nullable(rej.RawText),
					fragments, rej.EffectiveTime, nullable(rej.Input), rej.LineNo)
			}
			if _, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO rejection (run_id, reason, provider, raw_text, parsed, effective_time, input, line_no)
				VALUES `+placeholders(len(batch), cols), args...); err != nil {
				return fmt.Errorf("record rejections: %w", err)
			}
		}
		return nil
	})
}

func (r *stagingRepoPG) RecordDuplicates(ctx context.Context, recs []DuplicateRecord) error {
	const cols = 4
	size := batchRows(r.batchSize, cols)
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		for start := 0; start < len(recs); start += size {
			batch := recs[start:min(start+size, len(recs))]
			args := make([]interface{}, 0, len(batch)*cols)
			for _, d := range batch {
				args = append(args, d.RunID, d.SrcHash, d.Reason, d.Details)
			}
			if _, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO duplicate (run_id, src_hash, reason, details)
				VALUES `+placeholders(len(batch), cols), args...); err != nil {
				return fmt.Errorf("record duplicates: %w", err)
			}
		}
		return nil
	})
}

func (r *stagingRepoPG) ListStaged(ctx context.Context, runID uuid.UUID) ([]StagedRow, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+stagedCols+` FROM staged_row WHERE run_id = $1 ORDER BY seq, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list staged rows: %w", err)
	}
	defer rows.Close()

	var out []StagedRow
	for rows.Next() {
		var s StagedRow
		var valueText, unit, flag, ref, status, line *string
		var format string
		var page, ord *int
		if err := rows.Scan(&s.RunID, &s.Seq, &s.PersonID, &s.Provider, &s.TestName, &s.Display, &s.ValueNum, &valueText,
			&unit, &flag, &ref, &s.EffectiveTime, &s.Defaulted, &s.CodeSystem, &s.Code,
			&status, &format, &line, &page, &ord, &s.SrcHash, &s.Meta); err != nil {
			return nil, fmt.Errorf("scan staged row: %w", err)
		}
		s.ValueText, s.Unit, s.Flag, s.ReferenceText = deref(valueText), deref(unit), deref(flag), deref(ref)
		s.Status, s.SourceLine = deref(status), deref(line)
		s.SourceFormat = parser.Format(format)
		if page != nil {
			s.Page = *page
		}
		if ord != nil {
			s.Order = *ord
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// =========== Canonical Event Store ===========

type eventStorePG struct {
	pool      *pgxpool.Pool
	batchSize int
}

func NewEventStorePG(pool *pgxpool.Pool, batchSize int) EventStore {
	return &eventStorePG{pool: pool, batchSize: batchSize}
}

func (r *eventStorePG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const eventColCount = 9

func (r *eventStorePG) Upsert(ctx context.Context, events []CanonicalEvent) (UpsertCounts, error) {
	var counts UpsertCounts
	size := batchRows(r.batchSize, eventColCount)
	err := db.InTx(ctx, r.pool, func(ctx context.Context) error {
		for start := 0; start < len(events); start += size {
			bc, err := r.upsertBatch(ctx, events[start:min(start+size, len(events))])
			if err != nil {
				return err
			}
			counts.Add(bc)
		}
		return nil
	})
	if err != nil {
		return UpsertCounts{}, err
	}
	return counts, nil
}

func (r *eventStorePG) upsertBatch(ctx context.Context, batch []CanonicalEvent) (UpsertCounts, error) {
	var counts UpsertCounts
	args := make([]interface{}, 0, len(batch)*eventColCount)
	for _, e := range batch {
		args = append(args, e.PersonID, e.EffectiveTime, e.CodeSystem, e.Code, e.Display,
			e.ValueNum, nullable(e.Unit), e.Source, metaOrEmpty(e.Meta))
	}
	// Rows skipped by the WHERE guard are not returned; they are the
	// unchanged ones. xmax = 0 distinguishes fresh inserts.
	rows, err := r.conn(ctx).Query(ctx, `
		INSERT INTO canonical_event AS ce
			(person_id, effective_time, code_system, code, display, value_num, unit, source, meta)
		VALUES `+placeholders(len(batch), eventColCount)+`
		ON CONFLICT (person_id, code, effective_time) DO UPDATE SET
			code_system = EXCLUDED.code_system,
			display     = EXCLUDED.display,
			value_num   = EXCLUDED.value_num,
			unit        = EXCLUDED.unit,
			source      = EXCLUDED.source,
			meta        = EXCLUDED.meta,
			updated_at  = now()
		WHERE (ce.code_system, ce.display, ce.value_num, ce.unit, ce.source, ce.meta)
			IS DISTINCT FROM
			(EXCLUDED.code_system, EXCLUDED.display, EXCLUDED.value_num, EXCLUDED.unit, EXCLUDED.source, EXCLUDED.meta)
		RETURNING (xmax = 0)`, args...)
	if err != nil {
		return UpsertCounts{}, fmt.Errorf("upsert canonical events: %w", err)
	}
	defer rows.Close()

	touched := 0
	for rows.Next() {
		var inserted bool
		if err := rows.Scan(&inserted); err != nil {
			return UpsertCounts{}, fmt.Errorf("scan upsert result: %w", err)
		}
		touched++
		if inserted {
			counts.Inserted++
		} else {
			counts.Updated++
		}
	}
	if err := rows.Err(); err != nil {
		return UpsertCounts{}, fmt.Errorf("upsert canonical events: %w", err)
	}
	counts.Unchanged = len(batch) - touched
	return counts, nil
}

func (r *eventStorePG) DuplicateKeys(ctx context.Context) (int64, error) {
	var n int64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM canonical_event
			GROUP BY person_id, code, effective_time
			HAVING COUNT(*) > 1
		) dup`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count duplicate canonical keys: %w", err)
	}
	return n, nil
}

type storePG struct {
	StagingRepository
	EventStore
}

// NewStorePG returns a PostgreSQL-backed Store. The pool's search_path must
// point at the migrated schema.
func NewStorePG(pool *pgxpool.Pool, batchSize int) Store {
	return storePG{
		StagingRepository: NewStagingRepoPG(pool, batchSize),
		EventStore:        NewEventStorePG(pool, batchSize),
	}
}
