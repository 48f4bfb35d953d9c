package coding

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps a normalized test-name fragment to a standard code.
type Rule struct {
	Pattern  string `yaml:"pattern" json:"pattern"`
	Code     string `yaml:"code" json:"code"`
	Display  string `yaml:"display" json:"display"`
	UnitHint string `yaml:"unit_hint" json:"unit_hint,omitempty"`
	Notes    string `yaml:"notes" json:"notes,omitempty"`
}

// RuleSet is an ordered, immutable list of mapping rules. Order matters for
// substring matching: narrower patterns must precede broader ones.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet copies rules into a RuleSet. Patterns are uppercased and
// whitespace-collapsed; rules with a blank pattern are dropped.
func NewRuleSet(rules []Rule) RuleSet {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		r.Pattern = strings.ToUpper(collapseSpace(r.Pattern))
		if r.Pattern == "" {
			continue
		}
		r.Code = strings.TrimSpace(r.Code)
		r.Display = strings.TrimSpace(r.Display)
		r.UnitHint = strings.TrimSpace(r.UnitHint)
		r.Notes = strings.TrimSpace(r.Notes)
		out = append(out, r)
	}
	return RuleSet{rules: out}
}

// Len returns the number of rules.
func (s RuleSet) Len() int { return len(s.rules) }

// Rules returns a copy of the rules in order.
func (s RuleSet) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Shadowed returns, for every rule that can never be reached through the
// substring pass, the index of the earlier rule whose pattern swallows it.
// Such a rule still wins on an exact match.
func (s RuleSet) Shadowed() map[int]int {
	shadowed := make(map[int]int)
	for i, r := range s.rules {
		for j := 0; j < i; j++ {
			if strings.Contains(r.Pattern, s.rules[j].Pattern) {
				shadowed[i] = j
				break
			}
		}
	}
	return shadowed
}

// ErrUnsupportedRulesFormat is returned for rule files that are neither CSV
// nor YAML.
var ErrUnsupportedRulesFormat = errors.New("unsupported rules file format")

// LoadRules reads a rule file. The format is chosen by extension: .csv, or
// .yaml/.yml. A missing file yields an empty rule set so that every test
// name falls back to a local code.
func LoadRules(path string) (RuleSet, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RuleSet{}, nil
		}
		return RuleSet{}, fmt.Errorf("open rules %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ParseRulesCSV(f)
	case ".yaml", ".yml":
		return ParseRulesYAML(f)
	default:
		return RuleSet{}, fmt.Errorf("%w: %s", ErrUnsupportedRulesFormat, path)
	}
}

// ParseRulesCSV reads rules from a CSV with a header row. Recognized columns
// are pattern, loinc_code (or code), canonical_name (or display), unit_hint
// and notes; unknown columns are ignored.
func ParseRulesCSV(r io.Reader) (RuleSet, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return RuleSet{}, nil
	}
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	col := func(rec []string, names ...string) string {
		for _, n := range names {
			if i, ok := idx[n]; ok && i < len(rec) {
				return rec[i]
			}
		}
		return ""
	}
	if _, ok := idx["pattern"]; !ok {
		return RuleSet{}, fmt.Errorf("rules header has no pattern column")
	}

	var rules []Rule
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return RuleSet{}, fmt.Errorf("read rules line %d: %w", line, err)
		}
		rules = append(rules, Rule{
			Pattern:  col(rec, "pattern"),
			Code:     col(rec, "loinc_code", "code"),
			Display:  col(rec, "canonical_name", "display"),
			UnitHint: col(rec, "unit_hint"),
			Notes:    col(rec, "notes"),
		})
	}
	return NewRuleSet(rules), nil
}

// ParseRulesYAML reads rules from a YAML document, either a bare list or a
// mapping with a top-level "rules" key.
func ParseRulesYAML(r io.Reader) (RuleSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}

	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && doc.Rules != nil {
		return NewRuleSet(doc.Rules), nil
	}

	var list []Rule
	if err := yaml.Unmarshal(data, &list); err != nil {
		return RuleSet{}, fmt.Errorf("decode rules yaml: %w", err)
	}
	return NewRuleSet(list), nil
}
