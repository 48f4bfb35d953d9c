package coding

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNormalizeTestName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  glucose,   fasting ", "GLUCOSE, FASTING"},
		{"Total Bilirubin", "BILIRUBIN, TOTAL"},
		{"DIRECT  BILIRUBIN", "BILIRUBIN, DIRECT"},
		{"Patient’s note", "PATIENT'S NOTE"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeTestName(tt.in); got != tt.want {
			t.Errorf("NormalizeTestName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMapper_SubstringOrderWins(t *testing.T) {
	m := NewMapper(NewRuleSet([]Rule{
		{Pattern: "GLUCOSE", Code: "X1"},
		{Pattern: "GLU", Code: "X2"},
	}))

	got := m.Map("Glucose, Fasting")
	if got.Code != "X1" {
		t.Errorf("expected X1, got %s", got.Code)
	}
	if got.System != SystemLOINC {
		t.Errorf("expected LOINC, got %s", got.System)
	}
	if got.Exact {
		t.Error("expected substring match")
	}
}

func TestMapper_ExactBeatsEarlierSubstring(t *testing.T) {
	m := NewMapper(NewRuleSet([]Rule{
		{Pattern: "GLU", Code: "X2"},
		{Pattern: "GLUCOSE, FASTING", Code: "X1"},
	}))

	got := m.Map("GLUCOSE, FASTING")
	if got.Code != "X1" || !got.Exact {
		t.Errorf("expected exact X1, got %+v", got)
	}

	got = m.Map("GLUCOSE, RANDOM")
	if got.Code != "X2" {
		t.Errorf("expected substring fallback X2, got %s", got.Code)
	}
}

func TestMapper_LocalFallback(t *testing.T) {
	m := NewMapper(NewRuleSet([]Rule{{Pattern: "SODIUM", Code: "2951-2"}}))

	got := m.Map("Vitamin   D, 25-Hydroxy")
	if got.System != SystemLocal {
		t.Errorf("expected LOCAL, got %s", got.System)
	}
	if got.Code != "VITAMIN D, 25-HYDROXY" {
		t.Errorf("expected normalized name as code, got %q", got.Code)
	}
	if got.Display != "Vitamin D, 25-Hydroxy" {
		t.Errorf("unexpected display %q", got.Display)
	}
	if got.IsStandard() {
		t.Error("expected non-standard mapping")
	}
}

func TestMapper_SynonymConverges(t *testing.T) {
	m := NewMapper(NewRuleSet([]Rule{
		{Pattern: "BILIRUBIN, TOTAL", Code: "1975-2", Display: "Bilirubin total", UnitHint: "mg/dL"},
	}))

	got := m.Map("TOTAL BILIRUBIN")
	if got.Code != "1975-2" || !got.Exact {
		t.Fatalf("expected exact 1975-2, got %+v", got)
	}
	if got.Display != "Bilirubin total" {
		t.Errorf("expected canonical display, got %q", got.Display)
	}
	if got.UnitHint != "mg/dL" {
		t.Errorf("expected unit hint, got %q", got.UnitHint)
	}
}

func TestRuleSet_Shadowed(t *testing.T) {
	rs := NewRuleSet([]Rule{
		{Pattern: "GLU", Code: "X2"},
		{Pattern: "glucose", Code: "X1"},
		{Pattern: "SODIUM", Code: "S"},
		{Pattern: "  ", Code: "blank"},
	})
	if rs.Len() != 3 {
		t.Fatalf("expected blank pattern dropped, got %d rules", rs.Len())
	}
	sh := rs.Shadowed()
	if j, ok := sh[1]; !ok || j != 0 {
		t.Errorf("expected rule 1 shadowed by rule 0, got %v", sh)
	}
	if _, ok := sh[2]; ok {
		t.Error("SODIUM should not be shadowed")
	}
}

func TestParseRulesCSV(t *testing.T) {
	data := "\ufeffpattern,loinc_code,canonical_name,unit_hint,notes\n" +
		"glucose,2345-7,Glucose,mg/dL,fasting or random\n" +
		",0000-0,blank,,\n" +
		"HEMOGLOBIN A1C,4548-4,Hemoglobin A1c,%,\n"

	rs, err := ParseRulesCSV(strings.NewReader(data))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rules := rs.Rules()
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].Pattern != "GLUCOSE" || rules[0].Code != "2345-7" || rules[0].UnitHint != "mg/dL" {
		t.Errorf("unexpected first rule %+v", rules[0])
	}
	if rules[1].Display != "Hemoglobin A1c" {
		t.Errorf("unexpected second rule %+v", rules[1])
	}
}

func TestParseRulesCSV_MissingPatternColumn(t *testing.T) {
	_, err := ParseRulesCSV(strings.NewReader("code,display\n1,a\n"))
	if err == nil {
		t.Fatal("expected error for header without pattern column")
	}
}

func TestParseRulesYAML(t *testing.T) {
	doc := `
rules:
  - pattern: creatinine
    code: 2160-0
    display: Creatinine
    unit_hint: mg/dL
  - pattern: egfr
    code: 33914-3
`
	rs, err := ParseRulesYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.Len() != 2 {
		t.Fatalf("expected 2 rules, got %d", rs.Len())
	}

	list := "- pattern: potassium\n  code: 2823-3\n"
	rs, err = ParseRulesYAML(strings.NewReader(list))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.Len() != 1 || rs.Rules()[0].Pattern != "POTASSIUM" {
		t.Errorf("unexpected rules %+v", rs.Rules())
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()

	rs, err := LoadRules(filepath.Join(dir, "missing.csv"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if rs.Len() != 0 {
		t.Errorf("expected empty rule set, got %d", rs.Len())
	}

	path := filepath.Join(dir, "map.csv")
	if err := os.WriteFile(path, []byte("pattern,code\nALT,1742-6\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	rs, err = LoadRules(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rs.Len() != 1 {
		t.Errorf("expected 1 rule, got %d", rs.Len())
	}

	bad := filepath.Join(dir, "map.txt")
	if err := os.WriteFile(bad, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(bad); !errors.Is(err, ErrUnsupportedRulesFormat) {
		t.Errorf("expected ErrUnsupportedRulesFormat, got %v", err)
	}
}
