package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ctmansfield/health-portal/internal/domain/coding"
	"github.com/ctmansfield/health-portal/internal/domain/parser"
	"github.com/ctmansfield/health-portal/internal/domain/quantity"
)

// RunContext is the per-run information merged into every row.
type RunContext struct {
	RunID    uuid.UUID
	PersonID string
	Source   string
	Input    string
	// Location resolves defaulted effective times.
	Location *time.Location
}

// Canonicalizer turns parser rows into staged rows, extracting values and
// mapping codes for rows the parser left untyped.
type Canonicalizer struct {
	mapper *coding.Mapper
	now    func() time.Time
}

func NewCanonicalizer(mapper *coding.Mapper) *Canonicalizer {
	return &Canonicalizer{mapper: mapper, now: time.Now}
}

// Canonicalize returns either a staged row or the rejection that replaces it.
func (c *Canonicalizer) Canonicalize(rc RunContext, row parser.RawRow) (StagedRow, *RejectionRecord) {
	loc := rc.Location
	if loc == nil {
		loc = time.UTC
	}

	provider := strings.TrimSpace(row.Provider)
	if provider == "" {
		provider = UnknownProvider
	}

	// The run's person wins; otherwise the record's own subject.
	personID := rc.PersonID
	if personID == "" {
		personID = strings.TrimSpace(row.PersonID)
	}

	defaulted := row.Defaulted
	var eff time.Time
	if row.EffectiveTime != nil {
		eff = *row.EffectiveTime
	} else {
		y, m, d := c.now().In(loc).Date()
		eff = time.Date(y, m, d, 0, 0, 0, 0, loc)
		defaulted = true
	}

	out := StagedRow{
		RunID:         rc.RunID,
		PersonID:      personID,
		Provider:      provider,
		TestName:      strings.Join(strings.Fields(row.TestName), " "),
		ValueText:     strings.TrimSpace(row.ValueText),
		Flag:          strings.TrimSpace(row.Flag),
		ReferenceText: strings.TrimSpace(row.ReferenceText),
		EffectiveTime: eff,
		Defaulted:     defaulted,
		Status:        row.Status,
		SourceFormat:  row.Format,
		SourceLine:    row.SourceLine,
		Page:          row.Page,
		Order:         row.Order,
	}

	if personID == "" {
		return StagedRow{}, c.reject(rc, row, ReasonNoPerson, provider, eff)
	}

	meta := make(map[string]any, len(row.Meta)+8)
	for k, v := range row.Meta {
		meta[k] = v
	}

	comparator := row.Comparator
	if row.Typed && row.ValueNum != nil {
		out.ValueNum = *row.ValueNum
		out.Unit = strings.TrimSpace(row.Unit)
	} else {
		q, ok := quantity.Parse(row.ValueText)
		if !ok {
			return StagedRow{}, c.reject(rc, row, ReasonNonNumeric, provider, eff)
		}
		out.ValueNum = q.Value
		out.Unit = q.Unit
		comparator = q.Comparator
	}
	if comparator != "" {
		meta["comparator"] = comparator
	}

	if row.Typed && row.Code != "" {
		out.CodeSystem = row.CodeSystem
		if out.CodeSystem == "" {
			out.CodeSystem = coding.SystemLocal
		}
		out.Code = row.Code
		out.Display = firstNonEmpty(row.Display, out.TestName, row.Code)
		meta["mapping"] = "source"
	} else {
		m := c.mapper.Map(row.TestName)
		out.CodeSystem = m.System
		out.Code = m.Code
		out.Display = firstNonEmpty(m.Display, row.Display, out.TestName)
		if out.Unit == "" && m.UnitHint != "" {
			out.Unit = m.UnitHint
			meta["unit_from_hint"] = true
		}
		switch {
		case !m.IsStandard():
			meta["mapping"] = "local"
		case m.Exact:
			meta["mapping"] = "exact"
		default:
			meta["mapping"] = "substring"
		}
	}
	if out.TestName == "" {
		out.TestName = out.Display
	}
	if out.ValueText == "" {
		out.ValueText = strings.TrimSpace(strconv.FormatFloat(out.ValueNum, 'f', -1, 64) + " " + out.Unit)
	}
	if rc.PersonID != "" && row.PersonID != "" && row.PersonID != rc.PersonID {
		meta["source_person_id"] = row.PersonID
	}

	out.SrcHash = ContentHash(provider, coding.NormalizeTestName(out.TestName), out.ValueText, eff, row.SourceLine)

	meta["run_id"] = rc.RunID.String()
	meta["importer"] = ImporterVersion
	meta["source_format"] = string(row.Format)
	meta["src_hash"] = out.SrcHash
	if rc.Input != "" {
		meta["input"] = rc.Input
	}
	if row.LineNo > 0 {
		meta["line"] = row.LineNo
	}
	if row.Format == parser.FormatPanel {
		meta["page"] = row.Page
		meta["order"] = row.Order
	}
	out.Meta = meta
	return out, nil
}

func (c *Canonicalizer) reject(rc RunContext, row parser.RawRow, reason, provider string, eff time.Time) *RejectionRecord {
	raw := row.SourceLine
	if raw == "" {
		raw = row.TestName + "  " + row.ValueText
	}
	rej := &RejectionRecord{
		RunID:    rc.RunID,
		Reason:   reason,
		Provider: provider,
		RawText:  raw,
		Fragments: map[string]string{
			"test":  row.TestName,
			"value": row.ValueText,
			"ref":   row.ReferenceText,
		},
		Input:  rc.Input,
		LineNo: row.LineNo,
	}
	if row.EffectiveTime != nil {
		rej.EffectiveTime = &eff
	}
	return rej
}

// FromParserRejection lifts a structural rejection from a parser into the
// run's rejection ledger.
func FromParserRejection(rc RunContext, r parser.Rejection) RejectionRecord {
	provider := strings.TrimSpace(r.Provider)
	if provider == "" {
		provider = UnknownProvider
	}
	return RejectionRecord{
		RunID:         rc.RunID,
		Reason:        r.Reason,
		Provider:      provider,
		RawText:       r.RawText,
		Fragments:     r.Fragments,
		EffectiveTime: r.EffectiveTime,
		Input:         rc.Input,
		LineNo:        r.LineNo,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
