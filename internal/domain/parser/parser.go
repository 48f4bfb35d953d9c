// Package parser turns raw export files into candidate lab rows. Each input
// format has its own Parser; a Registry picks one per input by extension and
// content sniffing.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Format identifies an input format.
type Format string

const (
	FormatCanonical Format = "canonical-ndjson"
	FormatBundle    Format = "fhir-bundle"
	FormatTabular   Format = "csv"
	FormatPanel     Format = "text-panel"
)

// CarriesPerson reports whether records of f name the person they belong to.
// Text and tabular exports never do, so runs over them need a person id.
func (f Format) CarriesPerson() bool {
	return f == FormatBundle || f == FormatCanonical
}

// Rejection reasons produced by parsers.
const (
	ReasonNoPanelHeader   = "no-panel-header"
	ReasonMalformedRecord = "malformed-record"
)

// OrphanPolicy decides what happens to data-shaped panel rows that appear
// before any date header.
type OrphanPolicy string

const (
	OrphanSkip   OrphanPolicy = "skip"
	OrphanReject OrphanPolicy = "reject"
)

// ParseOrphanPolicy validates s. An empty string selects OrphanSkip.
func ParseOrphanPolicy(s string) (OrphanPolicy, error) {
	switch OrphanPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", OrphanSkip:
		return OrphanSkip, nil
	case OrphanReject:
		return OrphanReject, nil
	default:
		return "", fmt.Errorf("invalid orphan row policy %q (want skip or reject)", s)
	}
}

// Source describes the input being parsed.
type Source struct {
	// Name is the file name or upload name, used for extension checks and
	// provenance.
	Name string
	// Location is applied to naive dates. Nil means UTC.
	Location     *time.Location
	OrphanPolicy OrphanPolicy
}

func (s Source) location() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// RawRow is one candidate row as read from an input. Untyped rows (text
// panel, CSV) carry only the raw columns; typed rows (bundle, canonical
// NDJSON) also carry an already coded and valued observation.
type RawRow struct {
	Format        Format     `json:"format"`
	Provider      string     `json:"provider,omitempty"`
	TestName      string     `json:"test_name"`
	ValueText     string     `json:"value_text"`
	ReferenceText string     `json:"reference_text,omitempty"`
	Flag          string     `json:"flag,omitempty"`
	EffectiveTime *time.Time `json:"effective_time,omitempty"`
	SourceLine    string     `json:"src_line"`
	Page          int        `json:"src_page,omitempty"`
	Order         int        `json:"src_order,omitempty"`
	LineNo        int        `json:"line_no,omitempty"`

	Typed      bool           `json:"typed,omitempty"`
	PersonID   string         `json:"person_id,omitempty"`
	CodeSystem string         `json:"code_system,omitempty"`
	Code       string         `json:"code,omitempty"`
	Display    string         `json:"display,omitempty"`
	ValueNum   *float64       `json:"value_num,omitempty"`
	Unit       string         `json:"unit,omitempty"`
	Comparator string         `json:"comparator,omitempty"`
	Status     string         `json:"status,omitempty"`
	Defaulted  bool           `json:"effective_time_defaulted,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Rejection is a record a parser could not turn into a row.
type Rejection struct {
	Reason        string            `json:"reason"`
	Provider      string            `json:"provider,omitempty"`
	RawText       string            `json:"raw_text"`
	Fragments     map[string]string `json:"parsed,omitempty"`
	EffectiveTime *time.Time        `json:"effective_time,omitempty"`
	LineNo        int               `json:"line_no,omitempty"`
}

// Result is everything a parser produced for one input. Skipped counts
// structural lines that were neither rows nor rejections; Orphans counts
// data-shaped lines seen before any panel header, whichever way the orphan
// policy routed them.
type Result struct {
	Format  Format
	Rows    []RawRow
	Rejects []Rejection
	Skipped int
	Orphans int
}

// Parser reads one input format.
type Parser interface {
	Format() Format
	// Detect reports whether name/head look like this format. head is the
	// first few KiB of the input.
	Detect(name string, head []byte) bool
	Parse(ctx context.Context, r io.Reader, src Source) (Result, error)
}

// ErrUnknownFormat is returned when no registered parser accepts an input.
var ErrUnknownFormat = errors.New("unrecognized input format")

// Registry selects a Parser for an input. Parsers are consulted in
// registration order; the first whose Detect returns true wins.
type Registry struct {
	parsers []Parser
}

// NewRegistry creates a Registry over parsers in priority order.
func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

// DefaultRegistry returns the registry used by the importer: canonical
// NDJSON, then structured bundles, then CSV, with the text panel parser as
// the catch-all.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&CanonicalParser{},
		&BundleParser{},
		&TabularParser{},
		&PanelParser{},
	)
}

// Detect returns the first parser that accepts the input.
func (r *Registry) Detect(name string, head []byte) (Parser, error) {
	for _, p := range r.parsers {
		if p.Detect(name, head) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
}

// Lookup returns the parser registered for f.
func (r *Registry) Lookup(f Format) (Parser, bool) {
	for _, p := range r.parsers {
		if p.Format() == f {
			return p, true
		}
	}
	return nil, false
}

// Formats lists the registered formats in priority order.
func (r *Registry) Formats() []Format {
	out := make([]Format, 0, len(r.parsers))
	for _, p := range r.parsers {
		out = append(out, p.Format())
	}
	return out
}
