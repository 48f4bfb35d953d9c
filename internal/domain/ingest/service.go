package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ctmansfield/health-portal/internal/domain/coding"
	"github.com/ctmansfield/health-portal/internal/domain/parser"
	"github.com/ctmansfield/health-portal/internal/platform/artifact"
	"github.com/ctmansfield/health-portal/internal/platform/fhir"
	"github.com/ctmansfield/health-portal/internal/platform/metrics"
)

// Run-level errors. Each stops a run before any input is parsed.
var (
	ErrPersonRequired = errors.New("person id is required")
	ErrNoInputs       = errors.New("at least one input is required")
	ErrStoreRequired  = errors.New("a store is required unless running dry")
)

// DefaultSource labels runs that do not name their source.
const DefaultSource = "portal"

// sniffLen is how much of each input format detection looks at.
const sniffLen = 8 << 10

// Input is one export to import. Open may be called more than once and
// must start from the beginning each time.
type Input struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileInput reads path from disk.
func FileInput(path string) Input {
	return Input{
		Name: path,
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}
}

// BytesInput wraps an in-memory upload.
func BytesInput(name string, data []byte) Input {
	return Input{
		Name: name,
		Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

// RunParams are the caller-supplied settings of one run.
type RunParams struct {
	PersonID string
	Source   string
	Inputs   []Input
	// Location localizes naive dates. Nil uses the service default.
	Location *time.Location
	Mode     Mode
	// Format forces a parser instead of detecting one per input.
	Format parser.Format
}

// Options wires a Service.
type Options struct {
	Registry     *parser.Registry
	Mapper       *coding.Mapper
	Store        Store
	Sink         artifact.Sink
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	Location     *time.Location
	OrphanPolicy parser.OrphanPolicy
}

type Service struct {
	registry     *parser.Registry
	canon        *Canonicalizer
	store        Store
	sink         artifact.Sink
	metrics      *metrics.Metrics
	logger       zerolog.Logger
	location     *time.Location
	orphanPolicy parser.OrphanPolicy
	now          func() time.Time
}

func NewService(opts Options) *Service {
	reg := opts.Registry
	if reg == nil {
		reg = parser.DefaultRegistry()
	}
	mapper := opts.Mapper
	if mapper == nil {
		mapper = coding.NewMapper(coding.RuleSet{})
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	policy := opts.OrphanPolicy
	if policy == "" {
		policy = parser.OrphanSkip
	}
	return &Service{
		registry:     reg,
		canon:        NewCanonicalizer(mapper),
		store:        opts.Store,
		sink:         opts.Sink,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("component", "ingest").Logger(),
		location:     loc,
		orphanPolicy: policy,
		now:          time.Now,
	}
}

// runState accumulates the outcome of every input of one run.
type runState struct {
	run        ImportRun
	loc        *time.Location
	dedup      *Deduplicator
	staged     []StagedRow
	rejections []RejectionRecord
	duplicates []DuplicateRecord
	summary    Summary
}

// Run executes one import. Inputs that are missing or unreadable are logged
// and recorded in the summary; they do not fail the run.
func (s *Service) Run(ctx context.Context, p RunParams) (*Summary, error) {
	started := s.now()
	st, err := s.start(p, started)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("run_id", st.run.ID.String()).Str("mode", string(st.run.Mode)).Logger()

	for _, in := range p.Inputs {
		is, err := s.processInput(ctx, st, in, p.Format, log)
		if err != nil {
			s.metrics.ObserveRun(string(st.run.Mode), "failed", s.now().Sub(started))
			return nil, err
		}
		st.summary.add(is)
	}

	if err := s.finish(ctx, st, log); err != nil {
		s.metrics.ObserveRun(string(st.run.Mode), "failed", s.now().Sub(started))
		return nil, err
	}
	s.metrics.ObserveRun(string(st.run.Mode), "ok", s.now().Sub(started))
	return &st.summary, nil
}

func (s *Service) start(p RunParams, now time.Time) (*runState, error) {
	if len(p.Inputs) == 0 {
		return nil, ErrNoInputs
	}
	mode := p.Mode
	if mode == "" {
		mode = ModeFull
	}
	if mode.Stages() && s.store == nil {
		return nil, ErrStoreRequired
	}
	if p.Format != "" {
		if _, ok := s.registry.Lookup(p.Format); !ok {
			return nil, fmt.Errorf("%w: %s", parser.ErrUnknownFormat, p.Format)
		}
	}
	personID := strings.TrimSpace(p.PersonID)
	if personID == "" {
		if err := s.requirePersonPerRecord(p.Inputs, p.Format); err != nil {
			return nil, err
		}
	}
	source := strings.TrimSpace(p.Source)
	if source == "" {
		source = DefaultSource
	}
	loc := p.Location
	if loc == nil {
		loc = s.location
	}

	run := ImportRun{
		ID:              uuid.New(),
		Source:          source,
		PersonID:        personID,
		ImporterVersion: ImporterVersion,
		Mode:            mode,
		CreatedAt:       now.UTC(),
	}
	return &runState{
		run:   run,
		loc:   loc,
		dedup: NewDeduplicator(),
		summary: Summary{
			RunID:           run.ID,
			Source:          run.Source,
			PersonID:        run.PersonID,
			Mode:            run.Mode,
			ImporterVersion: ImporterVersion,
			Inputs:          []InputSummary{},
			StartedAt:       run.CreatedAt,
		},
	}, nil
}

// requirePersonPerRecord fails unless every readable input is in a format
// whose records name their own subject. Unreadable inputs are left for
// processInput to record.
func (s *Service) requirePersonPerRecord(inputs []Input, format parser.Format) error {
	for _, in := range inputs {
		rc, err := in.Open()
		if err != nil {
			continue
		}
		head, err := bufio.NewReaderSize(rc, sniffLen).Peek(sniffLen)
		rc.Close()
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		p, err := s.parserFor(in.Name, head, format)
		if err != nil {
			continue
		}
		if !p.Format().CarriesPerson() {
			return fmt.Errorf("%w: %s is %s", ErrPersonRequired, filepath.Base(in.Name), p.Format())
		}
	}
	return nil
}

func (s *Service) parserFor(name string, head []byte, format parser.Format) (parser.Parser, error) {
	if format != "" {
		p, _ := s.registry.Lookup(format)
		return p, nil
	}
	return s.registry.Detect(filepath.Base(name), head)
}

func (s *Service) processInput(ctx context.Context, st *runState, in Input, format parser.Format, log zerolog.Logger) (InputSummary, error) {
	is := InputSummary{Name: in.Name}

	rc, err := in.Open()
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("input", in.Name).Msg("input not found, skipping")
		is.Missing = true
		return is, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("input", in.Name).Msg("cannot open input, skipping")
		is.Error = err.Error()
		return is, nil
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		log.Warn().Err(err).Str("input", in.Name).Msg("cannot read input, skipping")
		is.Error = err.Error()
		return is, nil
	}

	p, err := s.parserFor(in.Name, head, format)
	if err != nil {
		log.Warn().Err(err).Str("input", in.Name).Msg("skipping input")
		is.Error = err.Error()
		return is, nil
	}
	is.Format = p.Format()

	res, err := p.Parse(ctx, br, parser.Source{
		Name:         filepath.Base(in.Name),
		Location:     st.loc,
		OrphanPolicy: s.orphanPolicy,
	})
	if err != nil {
		if ctx.Err() != nil {
			return is, ctx.Err()
		}
		// keep whatever was parsed before the failure
		log.Warn().Err(err).Str("input", in.Name).Int("rows", len(res.Rows)).Msg("parse stopped early")
		is.Error = err.Error()
	}

	runCtx := RunContext{
		RunID:    st.run.ID,
		PersonID: st.run.PersonID,
		Source:   st.run.Source,
		Input:    filepath.Base(in.Name),
		Location: st.loc,
	}

	is.Skipped = res.Skipped
	is.Orphans = res.Orphans
	is.Candidates = len(res.Rows) + len(res.Rejects)

	for _, rej := range res.Rejects {
		st.rejections = append(st.rejections, FromParserRejection(runCtx, rej))
		is.Rejected++
	}
	for _, row := range res.Rows {
		staged, rej := s.canon.Canonicalize(runCtx, row)
		if rej != nil {
			log.Debug().Str("test", row.TestName).Str("value", row.ValueText).Msg("row rejected")
			st.rejections = append(st.rejections, *rej)
			is.Rejected++
			continue
		}
		if dup := st.dedup.Check(staged); dup != nil {
			log.Debug().Str("test", staged.TestName).Str("src_hash", dup.SrcHash).Msg("within-run duplicate")
			st.duplicates = append(st.duplicates, *dup)
			is.Duplicates++
			continue
		}
		staged.Seq = len(st.staged)
		st.staged = append(st.staged, staged)
		is.Staged++
	}

	if is.Orphans > 0 {
		log.Warn().Str("input", in.Name).Int("orphans", is.Orphans).Str("policy", string(s.orphanPolicy)).
			Msg("rows found before any panel header")
	}
	s.metrics.AddRows(string(is.Format), metrics.OutcomeStaged, is.Staged)
	s.metrics.AddRows(string(is.Format), metrics.OutcomeRejected, is.Rejected)
	s.metrics.AddRows(string(is.Format), metrics.OutcomeDuplicate, is.Duplicates)
	s.metrics.AddRows(string(is.Format), metrics.OutcomeSkipped, is.Skipped)
	s.metrics.AddRows(string(is.Format), metrics.OutcomeOrphan, is.Orphans)

	log.Info().
		Str("input", in.Name).
		Str("format", string(is.Format)).
		Int("staged", is.Staged).
		Int("rejected", is.Rejected).
		Int("duplicates", is.Duplicates).
		Int("skipped", is.Skipped).
		Msg("input parsed")
	return is, nil
}

func (s *Service) finish(ctx context.Context, st *runState, log zerolog.Logger) error {
	if st.run.Mode.Stages() {
		if err := s.store.EnsureRun(ctx, &st.run); err != nil {
			return err
		}
		inserted, err := s.store.StageRows(ctx, st.staged)
		if err != nil {
			return err
		}
		if inserted != len(st.staged) {
			st.summary.StageConflicts = len(st.staged) - inserted
			log.Warn().Int("staged", len(st.staged)).Int("inserted", inserted).
				Msg("staged rows collided with rows already stored for this run")
		}
		if err := s.store.RecordRejections(ctx, st.rejections); err != nil {
			return err
		}
		if err := s.store.RecordDuplicates(ctx, st.duplicates); err != nil {
			return err
		}
	}

	if err := s.writeLedgers(ctx, st); err != nil {
		return err
	}

	if st.run.Mode == ModeFull {
		res, err := s.Merge(ctx, st.run.ID)
		if err != nil {
			return err
		}
		st.summary.Merge = res
	}

	st.summary.FinishedAt = s.now().UTC()
	if s.sink != nil {
		st.summary.Artifacts = s.sink.Location(st.run.ID.String())
		data, err := json.MarshalIndent(st.summary, "", "  ")
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		if err := s.sink.Write(ctx, st.run.ID.String(), artifact.SummaryFile, data); err != nil {
			return err
		}
	}

	log.Info().
		Int("inputs", len(st.summary.Inputs)).
		Int("staged", st.summary.StagedRows).
		Int("rejections", st.summary.Rejections).
		Int("duplicates", st.summary.Duplicates).
		Int("skipped", st.summary.Skipped).
		Str("artifacts", st.summary.Artifacts).
		Msg("import run complete")
	return nil
}

func (s *Service) writeLedgers(ctx context.Context, st *runState) error {
	if s.sink == nil {
		return nil
	}
	runID := st.run.ID.String()

	staged := make([]any, len(st.staged))
	for i, r := range st.staged {
		staged[i] = r.Record(st.run.Source)
	}
	rejections := make([]any, len(st.rejections))
	for i, r := range st.rejections {
		rejections[i] = r
	}
	duplicates := make([]any, len(st.duplicates))
	for i, d := range st.duplicates {
		duplicates[i] = d
	}

	for _, f := range []struct {
		name string
		recs []any
	}{
		{artifact.StagedFile, staged},
		{artifact.DuplicatesFile, duplicates},
		{artifact.RejectionsFile, rejections},
	} {
		data, err := encodeNDJSON(f.recs)
		if err != nil {
			return fmt.Errorf("encode %s: %w", f.name, err)
		}
		if err := s.sink.Write(ctx, runID, f.name, data); err != nil {
			return err
		}
	}
	return nil
}

func encodeNDJSON(recs []any) ([]byte, error) {
	var buf bytes.Buffer
	w := fhir.NewNDJSONWriter(&buf)
	for _, r := range recs {
		if err := w.WriteResource(r); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Merge merges an already staged run into the canonical store.
func (s *Service) Merge(ctx context.Context, runID uuid.UUID) (*MergeResult, error) {
	if s.store == nil {
		return nil, ErrStoreRequired
	}
	res, err := NewMerger(s.store, s.store, s.logger).Merge(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveMerge(res.Inserted, res.Updated, res.Unchanged)
	return res, nil
}

// Artifacts lists the files written for runID.
func (s *Service) Artifacts(ctx context.Context, runID uuid.UUID) ([]string, error) {
	if s.sink == nil {
		return nil, artifact.ErrNotFound
	}
	return s.sink.List(ctx, runID.String())
}

// OpenArtifact opens one artifact of runID.
func (s *Service) OpenArtifact(ctx context.Context, runID uuid.UUID, name string) (io.ReadCloser, error) {
	if s.sink == nil {
		return nil, artifact.ErrNotFound
	}
	return s.sink.Open(ctx, runID.String(), name)
}
