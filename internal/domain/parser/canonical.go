package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ctmansfield/health-portal/internal/platform/fhir"
)

// CanonicalRecord is one line of canonical NDJSON, the importer's own staged
// row shape. Staged artifacts written by a run can be fed back in unchanged.
type CanonicalRecord struct {
	PersonID      string         `json:"person_id"`
	EffectiveTime string         `json:"effective_time"`
	CodeSystem    string         `json:"code_system"`
	Code          string         `json:"code"`
	Display       string         `json:"display,omitempty"`
	ValueNum      *float64       `json:"value_num"`
	ValueText     string         `json:"value_text,omitempty"`
	Unit          string         `json:"unit,omitempty"`
	Status        string         `json:"status,omitempty"`
	Source        string         `json:"source,omitempty"`
	Raw           string         `json:"raw,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`

	Provider      string `json:"provider,omitempty"`
	TestName      string `json:"test_name,omitempty"`
	Flag          string `json:"flag,omitempty"`
	ReferenceText string `json:"reference_text,omitempty"`
	Defaulted     bool   `json:"effective_time_defaulted,omitempty"`
}

// CanonicalParser re-loads canonical NDJSON without re-parsing values. A
// line that is not valid JSON, or lacks a code or a readable effective time,
// becomes a rejection.
type CanonicalParser struct{}

func (p *CanonicalParser) Format() Format { return FormatCanonical }

func (p *CanonicalParser) Detect(name string, head []byte) bool {
	line := bytes.TrimSpace([]byte(firstLine(head)))
	if len(line) == 0 || line[0] != '{' {
		return false
	}
	if bytes.Contains(line, []byte(`"resourceType"`)) {
		return false
	}
	return bytes.Contains(line, []byte(`"code"`)) && bytes.Contains(line, []byte(`"effective_time"`))
}

func (p *CanonicalParser) Parse(ctx context.Context, r io.Reader, src Source) (Result, error) {
	res := Result{Format: FormatCanonical}
	loc := src.location()

	nd := fhir.NewNDJSONReader(r)
	for nd.Next() {
		if nd.Line()%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		raw := string(trimBOM(nd.Bytes()))

		var rec CanonicalRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			res.Rejects = append(res.Rejects, Rejection{
				Reason:    ReasonMalformedRecord,
				RawText:   raw,
				Fragments: map[string]string{"error": err.Error()},
				LineNo:    nd.Line(),
			})
			continue
		}

		t, ok := parseTime(rec.EffectiveTime, loc)
		if strings.TrimSpace(rec.Code) == "" || !ok {
			res.Rejects = append(res.Rejects, Rejection{
				Reason:   ReasonMalformedRecord,
				Provider: rec.Provider,
				RawText:  raw,
				Fragments: map[string]string{
					"code":           rec.Code,
					"effective_time": rec.EffectiveTime,
				},
				LineNo: nd.Line(),
			})
			continue
		}

		row := RawRow{
			Format:        FormatCanonical,
			Typed:         true,
			PersonID:      rec.PersonID,
			Provider:      rec.Provider,
			TestName:      rec.TestName,
			ValueText:     rec.ValueText,
			ReferenceText: rec.ReferenceText,
			Flag:          rec.Flag,
			EffectiveTime: &t,
			Defaulted:     rec.Defaulted,
			CodeSystem:    rec.CodeSystem,
			Code:          rec.Code,
			Display:       rec.Display,
			ValueNum:      rec.ValueNum,
			Unit:          rec.Unit,
			Status:        rec.Status,
			SourceLine:    raw,
			LineNo:        nd.Line(),
			Meta:          rec.Meta,
		}
		if row.TestName == "" {
			row.TestName = rec.Display
		}
		if row.TestName == "" {
			row.TestName = rec.Code
		}
		if rec.Raw != "" {
			row.SourceLine = rec.Raw
		}
		res.Rows = append(res.Rows, row)
	}
	if err := nd.Err(); err != nil {
		return res, fmt.Errorf("read canonical ndjson: %w", err)
	}
	return res, nil
}
