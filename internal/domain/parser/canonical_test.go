package parser

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCanonicalParser_Parse(t *testing.T) {
	data := `{"person_id":"me","effective_time":"2024-01-05T05:00:00Z","code_system":"LOINC","code":"2345-7","display":"Glucose","value_num":119,"unit":"mg/dL","provider":"Dr. Smith","test_name":"GLUCOSE","raw":"GLUCOSE  119.0 mg/dL"}
not json at all
{"person_id":"me","effective_time":"","code":"X"}
{"person_id":"me","effective_time":"2024-01-06T05:00:00Z","code_system":"LOCAL","code":"FOO","value_num":1.5}
`
	res, err := (&CanonicalParser{}).Parse(context.Background(), strings.NewReader(data), Source{})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(res.Rows))
	}
	if len(res.Rejects) != 2 {
		t.Fatalf("expected 2 rejections, got %d", len(res.Rejects))
	}
	for _, rej := range res.Rejects {
		if rej.Reason != ReasonMalformedRecord {
			t.Errorf("unexpected reason %q", rej.Reason)
		}
	}

	g := res.Rows[0]
	if !g.Typed || g.Code != "2345-7" || g.PersonID != "me" {
		t.Errorf("unexpected row %+v", g)
	}
	if g.SourceLine != "GLUCOSE  119.0 mg/dL" {
		t.Errorf("expected raw line carried over, got %q", g.SourceLine)
	}
	if g.TestName != "GLUCOSE" {
		t.Errorf("expected test name, got %q", g.TestName)
	}

	f := res.Rows[1]
	if f.TestName != "FOO" {
		t.Errorf("expected code as test name fallback, got %q", f.TestName)
	}
	if f.ValueNum == nil || *f.ValueNum != 1.5 {
		t.Errorf("unexpected value %v", f.ValueNum)
	}
}

func TestCanonicalParser_Detect(t *testing.T) {
	p := &CanonicalParser{}
	if !p.Detect("staged.ndjson", []byte(`{"person_id":"me","effective_time":"2024-01-05","code":"X"}`+"\n")) {
		t.Error("expected canonical line detected")
	}
	if p.Detect("obs.ndjson", []byte(`{"resourceType":"Observation","code":{},"effective_time":""}`)) {
		t.Error("expected FHIR resource rejected")
	}
}

func TestRegistry_Detect(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name string
		head string
		want Format
	}{
		{"staged.ndjson", `{"person_id":"me","effective_time":"2024-01-05","code":"X"}`, FormatCanonical},
		{"bundle.json", `{"resourceType":"Bundle"}`, FormatBundle},
		{"labs.csv", "Test,Value\n", FormatTabular},
		{"portal.txt", "Jan 5, 2024  Dr. Smith\n", FormatPanel},
	}
	for _, tt := range tests {
		p, err := r.Detect(tt.name, []byte(tt.head))
		if err != nil {
			t.Fatalf("Detect(%q): %v", tt.name, err)
		}
		if p.Format() != tt.want {
			t.Errorf("Detect(%q) = %s, want %s", tt.name, p.Format(), tt.want)
		}
	}

	if got := r.Formats(); len(got) != 4 || got[0] != FormatCanonical || got[3] != FormatPanel {
		t.Errorf("unexpected priority order %v", got)
	}
	if p, ok := r.Lookup(FormatTabular); !ok || p.Format() != FormatTabular {
		t.Error("expected tabular parser by lookup")
	}
}

func TestRegistry_UnknownFormat(t *testing.T) {
	r := NewRegistry(&BundleParser{})
	if _, err := r.Detect("x.txt", []byte("hello")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestParseOrphanPolicy(t *testing.T) {
	for in, want := range map[string]OrphanPolicy{"": OrphanSkip, "SKIP": OrphanSkip, " reject ": OrphanReject} {
		got, err := ParseOrphanPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseOrphanPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseOrphanPolicy("guess"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
