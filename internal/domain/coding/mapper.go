// Package coding maps free-text lab test names onto standard codes using an
// ordered, human-maintained rule set, falling back to locally scoped codes.
package coding

import (
	"strings"
)

// Code systems a mapped row can carry.
const (
	SystemLOINC = "LOINC"
	SystemLocal = "LOCAL"
)

// Mapping is the outcome of mapping one test name.
type Mapping struct {
	System     string
	Code       string
	Display    string
	UnitHint   string
	Normalized string
	// Exact is true when the rule matched the whole normalized name.
	Exact bool
	Rule  *Rule
}

// IsStandard reports whether a rule matched.
func (m Mapping) IsStandard() bool { return m.Rule != nil }

var quoteFolder = strings.NewReplacer(
	"’", "'",
	"‘", "'",
	"“", `"`,
	"”", `"`,
)

// synonyms rewrite word-order variants so they converge on one pattern.
var synonyms = strings.NewReplacer(
	"TOTAL BILIRUBIN", "BILIRUBIN, TOTAL",
	"DIRECT BILIRUBIN", "BILIRUBIN, DIRECT",
	"INDIRECT BILIRUBIN", "BILIRUBIN, INDIRECT",
	"TOTAL PROTEIN", "PROTEIN, TOTAL",
	"TOTAL CHOLESTEROL", "CHOLESTEROL, TOTAL",
)

// NormalizeTestName collapses whitespace, uppercases, folds typographic
// quotes and applies the fixed synonym rewrites.
func NormalizeTestName(name string) string {
	s := strings.ToUpper(collapseSpace(name))
	s = quoteFolder.Replace(s)
	return synonyms.Replace(s)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Mapper resolves test names against a fixed RuleSet.
type Mapper struct {
	rules RuleSet
	exact map[string]int
}

// NewMapper builds a Mapper over rules. The first rule wins when two rules
// share a pattern.
func NewMapper(rules RuleSet) *Mapper {
	exact := make(map[string]int, rules.Len())
	for i, r := range rules.rules {
		if _, ok := exact[r.Pattern]; !ok {
			exact[r.Pattern] = i
		}
	}
	return &Mapper{rules: rules, exact: exact}
}

// Rules returns the rule set the mapper was built with.
func (m *Mapper) Rules() RuleSet { return m.rules }

// Map resolves name: an exact match on the normalized name first, then the
// first rule (in rule-set order) whose pattern is a substring of it. With no
// match the normalized name becomes a LOCAL code.
func (m *Mapper) Map(name string) Mapping {
	n := NormalizeTestName(name)
	display := collapseSpace(name)

	if n != "" {
		if i, ok := m.exact[n]; ok {
			return m.standard(i, n, display, true)
		}
		for i, r := range m.rules.rules {
			if strings.Contains(n, r.Pattern) {
				return m.standard(i, n, display, false)
			}
		}
	}

	return Mapping{
		System:     SystemLocal,
		Code:       n,
		Display:    display,
		Normalized: n,
	}
}

func (m *Mapper) standard(i int, normalized, display string, exact bool) Mapping {
	r := m.rules.rules[i]
	if r.Display != "" {
		display = r.Display
	}
	return Mapping{
		System:     SystemLOINC,
		Code:       r.Code,
		Display:    display,
		UnitHint:   r.UnitHint,
		Normalized: normalized,
		Exact:      exact,
		Rule:       &r,
	}
}
