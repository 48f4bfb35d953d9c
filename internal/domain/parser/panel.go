package parser

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// panelState is a state of the text panel machine.
type panelState int

const (
	seekingDateHeader panelState = iota
	inPanel
)

func (s panelState) String() string {
	switch s {
	case seekingDateHeader:
		return "seeking-date-header"
	case inPanel:
		return "in-panel"
	default:
		return "unknown"
	}
}

var (
	boilerplateRe = regexp.MustCompile(`(?i)^\s*(Continued (on|from) Page|Health\s+.*Page|This summary|Date of Birth|Test\s+Current\s+Reference|Lab Results\s*$)`)
	continuedOnRe = regexp.MustCompile(`(?i)^\s*Continued on Page`)
	// "[Lab Results] Mon D, YYYY [provider]"
	dateHeaderRe  = regexp.MustCompile(`^\s*(?:(?i:Lab\s+Results)\s+)?([A-Za-z]{3,9})\.?\s+(\d{1,2}),\s*(\d{4})(?:\s+(.+?))?\s*$`)
	columnGapRe   = regexp.MustCompile(`\s{2,}`)
)

var monthNames = []string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

// monthOf accepts a month name or any prefix of it at least three letters
// long ("Jan", "Sept", "December").
func monthOf(word string) (time.Month, bool) {
	w := strings.ToLower(word)
	if len(w) < 3 {
		return 0, false
	}
	for i, name := range monthNames {
		if strings.HasPrefix(name, w) {
			return time.Month(i + 1), true
		}
	}
	return 0, false
}

// panelHeader recognizes "Month Day, Year  Provider" lines. A leading
// "Lab Results" is dropped and the provider may be missing. The date is
// midnight in loc.
func panelHeader(line string, loc *time.Location) (time.Time, string, bool) {
	m := dateHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, "", false
	}
	month, ok := monthOf(m[1])
	if !ok {
		return time.Time{}, "", false
	}
	day, _ := strconv.Atoi(m[2])
	year, _ := strconv.Atoi(m[3])
	t := time.Date(year, month, day, 0, 0, 0, 0, loc)
	if t.Day() != day || t.Month() != month {
		return time.Time{}, "", false
	}
	return t, strings.TrimSpace(m[4]), true
}

// PanelParser reads freeform text exports laid out as dated panels:
//
//	Jan 5, 2024          Dr. Smith
//	TEST        CURRENT        REFERENCE     FLAG
//	GLUCOSE     119.0 mg/dL    70-99         H
//
// It is the catch-all format and accepts any input.
type PanelParser struct{}

func (p *PanelParser) Format() Format { return FormatPanel }

func (p *PanelParser) Detect(name string, head []byte) bool { return true }

// panelMachine holds the state of one parse.
type panelMachine struct {
	src      Source
	state    panelState
	date     time.Time
	provider string
	page     int
	order    int
	res      Result
}

func (p *PanelParser) Parse(ctx context.Context, r io.Reader, src Source) (Result, error) {
	m := &panelMachine{
		src:   src,
		state: seekingDateHeader,
		page:  1,
		res:   Result{Format: FormatPanel},
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return m.res, err
			}
		}
		m.step(CleanLine(sc.Text()), lineNo)
	}
	if err := sc.Err(); err != nil {
		return m.res, err
	}
	return m.res, nil
}

// step applies one line to the machine. Guards are checked in order:
// blank, boilerplate, date header, data row.
func (m *panelMachine) step(line string, lineNo int) {
	if strings.TrimSpace(line) == "" {
		return
	}

	if boilerplateRe.MatchString(line) {
		if continuedOnRe.MatchString(line) {
			m.page++
		}
		m.res.Skipped++
		return
	}

	if t, provider, ok := panelHeader(line, m.src.location()); ok {
		m.state = inPanel
		m.date = t
		m.provider = provider
		m.order = 0
		m.res.Skipped++
		return
	}

	cols := columnGapRe.Split(strings.TrimSpace(line), -1)
	if len(cols) < 2 {
		m.res.Skipped++
		return
	}

	switch m.state {
	case seekingDateHeader:
		m.orphan(line, cols, lineNo)
	case inPanel:
		m.row(line, cols, lineNo)
	}
}

func (m *panelMachine) orphan(line string, cols []string, lineNo int) {
	m.res.Orphans++
	if m.src.OrphanPolicy != OrphanReject {
		m.res.Skipped++
		return
	}
	m.res.Rejects = append(m.res.Rejects, Rejection{
		Reason:    ReasonNoPanelHeader,
		RawText:   line,
		Fragments: fragments(cols),
		LineNo:    lineNo,
	})
}

func (m *panelMachine) row(line string, cols []string, lineNo int) {
	t := m.date
	row := RawRow{
		Format:        FormatPanel,
		Provider:      m.provider,
		TestName:      strings.TrimSpace(cols[0]),
		ValueText:     strings.TrimSpace(cols[1]),
		EffectiveTime: &t,
		SourceLine:    line,
		Page:          m.page,
		Order:         m.order,
		LineNo:        lineNo,
	}
	if len(cols) > 2 {
		row.ReferenceText = strings.TrimSpace(cols[2])
	}
	if len(cols) > 3 {
		row.Flag = strings.TrimSpace(cols[3])
	}
	m.res.Rows = append(m.res.Rows, row)
	m.order++
}

func fragments(cols []string) map[string]string {
	f := map[string]string{"test": cols[0]}
	if len(cols) > 1 {
		f["value"] = cols[1]
	}
	if len(cols) > 2 {
		f["ref"] = cols[2]
	}
	return f
}
