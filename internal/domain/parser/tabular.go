package parser

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// tabular logical fields.
const (
	colTest      = "test"
	colValue     = "value"
	colUnit      = "unit"
	colReference = "reference"
	colFlag      = "flag"
	colProvider  = "provider"
	colDate      = "date"
)

// headerSynonyms maps a lowercased header cell to its logical field.
var headerSynonyms = map[string]string{
	"test":              colTest,
	"test name":         colTest,
	"test_name":         colTest,
	"name":              colTest,
	"component":         colTest,
	"current":           colValue,
	"value":             colValue,
	"result":            colValue,
	"unit":              colUnit,
	"units":             colUnit,
	"reference":         colReference,
	"reference range":   colReference,
	"reference_range":   colReference,
	"ref":               colReference,
	"range":             colReference,
	"flag":              colFlag,
	"abnormal flag":     colFlag,
	"provider":          colProvider,
	"ordering provider": colProvider,
	"performer":         colProvider,
	"date":              colDate,
	"collected":         colDate,
	"collection date":   colDate,
	"date collected":    colDate,
	"effective_time":    colDate,
}

// TabularParser reads CSV and TSV exports with a header row. Columns are
// matched by synonym, case-insensitively; only the test name column is
// needed for a row to count.
type TabularParser struct{}

func (p *TabularParser) Format() Format { return FormatTabular }

func (p *TabularParser) Detect(name string, head []byte) bool {
	if hasExt(name, ".csv", ".tsv") {
		return true
	}
	line := firstLine(head)
	if !strings.ContainsAny(line, ",\t") {
		return false
	}
	for _, cell := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == '\t' }) {
		if headerSynonyms[normalizeHeader(cell)] == colTest {
			return true
		}
	}
	return false
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(h), `"`))
}

// sniffDelimiter picks tab when the header has more tabs than commas.
func sniffDelimiter(header string) rune {
	if strings.Count(header, "\t") > strings.Count(header, ",") {
		return '\t'
	}
	return ','
}

func (p *TabularParser) Parse(ctx context.Context, r io.Reader, src Source) (Result, error) {
	res := Result{Format: FormatTabular}

	br := bufio.NewReader(r)
	head, _ := br.Peek(4096)
	if len(trimBOM(head)) != len(head) {
		if _, err := br.Discard(3); err != nil {
			return res, err
		}
		head = head[3:]
	}

	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(firstLine(head))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		if field, ok := headerSynonyms[normalizeHeader(h)]; ok {
			if _, dup := cols[field]; !dup {
				cols[field] = i
			}
		}
	}
	get := func(rec []string, field string) string {
		if i, ok := cols[field]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	loc := src.location()
	for n := 0; ; n++ {
		if n%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("read csv: %w", err)
		}
		lineNo, _ := cr.FieldPos(0)

		test := get(rec, colTest)
		if test == "" {
			res.Skipped++
			continue
		}

		value := get(rec, colValue)
		if unit := get(rec, colUnit); unit != "" && value != "" && !strings.HasSuffix(value, unit) {
			value = value + " " + unit
		}

		row := RawRow{
			Format:        FormatTabular,
			Provider:      get(rec, colProvider),
			TestName:      test,
			ValueText:     value,
			ReferenceText: get(rec, colReference),
			Flag:          get(rec, colFlag),
			SourceLine:    recordJSON(header, rec),
			LineNo:        lineNo,
		}
		if t, ok := parseTime(get(rec, colDate), loc); ok {
			row.EffectiveTime = &t
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

// recordJSON renders a CSV record as a JSON object keyed by header so the
// raw source line survives into provenance.
func recordJSON(header, rec []string) string {
	m := make(map[string]string, len(header))
	for i, h := range header {
		if i < len(rec) {
			m[strings.TrimSpace(h)] = rec[i]
		}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return strings.Join(rec, ",")
	}
	return string(b)
}
