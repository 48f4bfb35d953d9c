package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ctmansfield/health-portal/internal/domain/coding"
	"github.com/ctmansfield/health-portal/internal/domain/quantity"
	"github.com/ctmansfield/health-portal/internal/platform/fhir"
)

const loincSystem = "http://loinc.org"

// BundleParser reads structured health-record exports: a single
// Observation, a Bundle of entries, or newline-delimited Observations.
// Non-Observation resources and Observations without a usable value are
// skipped.
type BundleParser struct{}

func (p *BundleParser) Format() Format { return FormatBundle }

func (p *BundleParser) Detect(name string, head []byte) bool {
	h := bytes.TrimSpace(trimBOM(head))
	if len(h) == 0 || h[0] != '{' {
		return false
	}
	return bytes.Contains(h, []byte(`"resourceType"`))
}

func (p *BundleParser) Parse(ctx context.Context, r io.Reader, src Source) (Result, error) {
	res := Result{Format: FormatBundle}

	data, err := io.ReadAll(r)
	if err != nil {
		return res, fmt.Errorf("read bundle: %w", err)
	}
	data = bytes.TrimSpace(trimBOM(data))
	if len(data) == 0 {
		return res, nil
	}

	b := &bundleWalker{src: src, res: &res}
	if json.Valid(data) {
		b.resource(ctx, data, 0)
		return res, ctx.Err()
	}

	nd := fhir.NewNDJSONReader(bytes.NewReader(data))
	for nd.Next() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		raw := append([]byte(nil), nd.Bytes()...)
		if !json.Valid(raw) {
			res.Rejects = append(res.Rejects, Rejection{
				Reason:  ReasonMalformedRecord,
				RawText: string(raw),
				LineNo:  nd.Line(),
			})
			continue
		}
		b.resource(ctx, raw, nd.Line())
	}
	if err := nd.Err(); err != nil {
		return res, fmt.Errorf("read bundle ndjson: %w", err)
	}
	return res, nil
}

type bundleWalker struct {
	src Source
	res *Result
}

func (b *bundleWalker) resource(ctx context.Context, raw []byte, lineNo int) {
	rt, err := fhir.ResourceType(raw)
	if err != nil {
		b.res.Rejects = append(b.res.Rejects, Rejection{
			Reason:  ReasonMalformedRecord,
			RawText: string(raw),
			LineNo:  lineNo,
		})
		return
	}

	switch rt {
	case fhir.ResourceBundle:
		var bundle fhir.Bundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			b.malformed(raw, lineNo, err)
			return
		}
		for _, e := range bundle.Entry {
			if ctx.Err() != nil {
				return
			}
			if len(e.Resource) == 0 {
				b.res.Skipped++
				continue
			}
			b.resource(ctx, e.Resource, lineNo)
		}
	case fhir.ResourceObservation:
		var obs fhir.Observation
		if err := json.Unmarshal(raw, &obs); err != nil {
			b.malformed(raw, lineNo, err)
			return
		}
		b.observation(&obs, raw, lineNo)
	default:
		b.res.Skipped++
	}
}

func (b *bundleWalker) malformed(raw []byte, lineNo int, err error) {
	b.res.Rejects = append(b.res.Rejects, Rejection{
		Reason:    ReasonMalformedRecord,
		RawText:   string(raw),
		Fragments: map[string]string{"error": err.Error()},
		LineNo:    lineNo,
	})
}

func (b *bundleWalker) observation(obs *fhir.Observation, raw []byte, lineNo int) {
	compact := compactJSON(raw)

	if obs.HasValue() {
		row, ok := b.valued(obs, obs.Code, obs.ValueQuantity, obs.TextValue(), obs.ReferenceRange, obs.Interpretation)
		if !ok {
			b.res.Skipped++
			return
		}
		row.SourceLine = compact
		row.LineNo = lineNo
		b.res.Rows = append(b.res.Rows, row)
		return
	}

	emitted := 0
	for i, c := range obs.Component {
		text := ""
		if c.ValueString != nil {
			text = *c.ValueString
		} else if c.ValueCodeableConcept != nil {
			text = c.ValueCodeableConcept.Label()
		}
		row, ok := b.valued(obs, c.Code, c.ValueQuantity, text, c.ReferenceRange, c.Interpretation)
		if !ok {
			b.res.Skipped++
			continue
		}
		row.SourceLine = compact
		row.LineNo = lineNo
		row.Meta["component"] = i
		b.res.Rows = append(b.res.Rows, row)
		emitted++
	}
	if len(obs.Component) == 0 && emitted == 0 {
		b.res.Skipped++
	}
}

// valued builds a typed row from one coded value. A text value is accepted
// only when it reads as a number; otherwise the record has no usable value.
func (b *bundleWalker) valued(obs *fhir.Observation, code fhir.CodeableConcept, vq *fhir.Quantity, text string, ranges []fhir.ReferenceRange, interp []fhir.CodeableConcept) (RawRow, bool) {
	row := RawRow{
		Format: FormatBundle,
		Typed:  true,
		Status: obs.Status,
		Meta:   map[string]any{},
	}

	switch {
	case vq != nil && vq.Value != nil:
		v := *vq.Value
		row.ValueNum = &v
		row.Unit = vq.UnitOrCode()
		row.Comparator = vq.Comparator
		row.ValueText = strings.TrimSpace(vq.Comparator + strconv.FormatFloat(v, 'f', -1, 64) + " " + row.Unit)
	case strings.TrimSpace(text) != "":
		q, ok := quantity.Parse(text)
		if !ok {
			return RawRow{}, false
		}
		row.ValueNum = &q.Value
		row.Unit = q.Unit
		row.Comparator = q.Comparator
		row.ValueText = text
	default:
		return RawRow{}, false
	}

	first := code.First()
	row.TestName = code.Label()
	if row.TestName == "" {
		row.TestName = first.Code
	}
	row.Display = code.Label()
	if strings.EqualFold(strings.TrimRight(first.System, "/"), loincSystem) && first.Code != "" {
		row.CodeSystem = coding.SystemLOINC
		row.Code = first.Code
	}
	if first.System != "" {
		row.Meta["code_system_uri"] = first.System
	}

	if obs.Subject != nil && obs.Subject.Reference != "" {
		row.PersonID = obs.Subject.ID()
		row.Meta["subject"] = obs.Subject.Reference
	}
	if obs.ID != "" {
		row.Meta["observation_id"] = obs.ID
	}
	if len(obs.Performer) > 0 {
		row.Provider = obs.Performer[0].Display
		if row.Provider == "" {
			row.Provider = obs.Performer[0].Reference
		}
	}

	if ts := obs.EffectiveTime(); ts != "" {
		if t, ok := parseTime(ts, b.src.location()); ok {
			row.EffectiveTime = &t
		}
	}
	if len(ranges) > 0 {
		row.ReferenceText = rangeText(ranges[0])
	}
	if len(interp) > 0 {
		row.Flag = interp[0].First().Code
		if row.Flag == "" {
			row.Flag = interp[0].Text
		}
	}
	return row, true
}

func rangeText(r fhir.ReferenceRange) string {
	if r.Text != "" {
		return r.Text
	}
	val := func(q *fhir.Quantity) string {
		if q == nil || q.Value == nil {
			return ""
		}
		return strconv.FormatFloat(*q.Value, 'f', -1, 64)
	}
	lo, hi := val(r.Low), val(r.High)
	switch {
	case lo != "" && hi != "":
		return lo + "-" + hi
	case lo != "":
		return ">=" + lo
	case hi != "":
		return "<=" + hi
	}
	return ""
}

func compactJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
