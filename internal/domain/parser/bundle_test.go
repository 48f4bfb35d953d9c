package parser

import (
	"context"
	"strings"
	"testing"
)

const glucoseObservation = `{
  "resourceType": "Observation",
  "id": "obs-1",
  "status": "final",
  "code": {"coding": [{"system": "http://loinc.org", "code": "2345-7", "display": "Glucose"}], "text": "Glucose"},
  "subject": {"reference": "Patient/p1"},
  "performer": [{"display": "Quest"}],
  "effectiveDateTime": "2024-01-05T08:30:00-05:00",
  "valueQuantity": {"value": 119.0, "unit": "mg/dL"},
  "referenceRange": [{"low": {"value": 70}, "high": {"value": 99}}],
  "interpretation": [{"coding": [{"code": "H"}]}]
}`

func parseBundle(t *testing.T, data string) Result {
	t.Helper()
	res, err := (&BundleParser{}).Parse(context.Background(), strings.NewReader(data), Source{})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return res
}

func TestBundleParser_SingleObservation(t *testing.T) {
	res := parseBundle(t, glucoseObservation)

	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
	r := res.Rows[0]
	if !r.Typed || r.CodeSystem != "LOINC" || r.Code != "2345-7" {
		t.Errorf("expected typed LOINC row, got %+v", r)
	}
	if r.ValueNum == nil || *r.ValueNum != 119.0 || r.Unit != "mg/dL" {
		t.Errorf("unexpected value %v %q", r.ValueNum, r.Unit)
	}
	if r.PersonID != "p1" || r.Meta["subject"] != "Patient/p1" {
		t.Errorf("expected subject p1, got %q %v", r.PersonID, r.Meta["subject"])
	}
	if r.Provider != "Quest" || r.ReferenceText != "70-99" || r.Flag != "H" {
		t.Errorf("unexpected provider/range/flag %q %q %q", r.Provider, r.ReferenceText, r.Flag)
	}
	if r.EffectiveTime == nil || r.EffectiveTime.UTC().Hour() != 13 {
		t.Errorf("unexpected effective time %v", r.EffectiveTime)
	}
	if strings.Contains(r.SourceLine, "\n") {
		t.Error("expected compacted source line")
	}
}

func TestBundleParser_BundleSkipsNonObservations(t *testing.T) {
	data := `{"resourceType":"Bundle","type":"collection","entry":[
	  {"resource":{"resourceType":"Patient","id":"p1"}},
	  {"resource":` + glucoseObservation + `},
	  {"resource":{"resourceType":"Observation","code":{"text":"Urine color"},"valueString":"Yellow"}},
	  {"resource":{"resourceType":"Observation","code":{"text":"Note"}}}
	]}`

	res := parseBundle(t, data)
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
	if res.Skipped != 3 {
		t.Errorf("expected 3 skipped, got %d", res.Skipped)
	}
}

func TestBundleParser_NumericTextValue(t *testing.T) {
	data := `{"resourceType":"Observation","code":{"coding":[{"system":"urn:local","code":"VITD"}],"text":"Vitamin D"},
	  "issued":"2024-02-01T00:00:00Z","valueString":"<5.0 ng/mL"}`

	res := parseBundle(t, data)
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
	r := res.Rows[0]
	if r.Code != "" || r.TestName != "Vitamin D" {
		t.Errorf("expected unmapped row named Vitamin D, got code=%q name=%q", r.Code, r.TestName)
	}
	if r.ValueNum == nil || *r.ValueNum != 5.0 || r.Comparator != "<" {
		t.Errorf("unexpected value %v comparator %q", r.ValueNum, r.Comparator)
	}
	if r.EffectiveTime == nil || r.EffectiveTime.Month() != 2 {
		t.Errorf("expected issued time fallback, got %v", r.EffectiveTime)
	}
}

func TestBundleParser_Components(t *testing.T) {
	data := `{"resourceType":"Observation","status":"final","code":{"text":"Blood pressure"},
	  "effectiveDateTime":"2024-03-01",
	  "component":[
	    {"code":{"coding":[{"system":"http://loinc.org","code":"8480-6"}],"text":"Systolic"},"valueQuantity":{"value":120,"unit":"mm[Hg]"}},
	    {"code":{"coding":[{"system":"http://loinc.org","code":"8462-4"}],"text":"Diastolic"},"valueQuantity":{"value":80,"code":"mm[Hg]"}},
	    {"code":{"text":"Position"},"valueString":"sitting"}
	  ]}`

	res := parseBundle(t, data)
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 component rows, got %d", len(res.Rows))
	}
	if res.Rows[0].Code != "8480-6" || res.Rows[1].Code != "8462-4" {
		t.Errorf("unexpected codes %q %q", res.Rows[0].Code, res.Rows[1].Code)
	}
	if res.Rows[1].Unit != "mm[Hg]" {
		t.Errorf("expected coded unit fallback, got %q", res.Rows[1].Unit)
	}
	if res.Rows[1].Meta["component"] != 1 {
		t.Errorf("expected component index 1, got %v", res.Rows[1].Meta["component"])
	}
	if res.Skipped != 1 {
		t.Errorf("expected text component skipped, got %d", res.Skipped)
	}
}

func TestBundleParser_NDJSONWithMalformedLine(t *testing.T) {
	data := `{"resourceType":"Observation","code":{"text":"ALT"},"effectiveDateTime":"2024-01-01","valueQuantity":{"value":22,"unit":"U/L"}}
{"resourceType":"Observation", broken
{"resourceType":"Observation","code":{"text":"AST"},"effectiveDateTime":"2024-01-01","valueQuantity":{"value":30,"unit":"U/L"}}
`
	res := parseBundle(t, data)
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(res.Rows))
	}
	if len(res.Rejects) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(res.Rejects))
	}
	if res.Rejects[0].Reason != ReasonMalformedRecord || res.Rejects[0].LineNo != 2 {
		t.Errorf("unexpected rejection %+v", res.Rejects[0])
	}
	if res.Rows[1].LineNo != 3 {
		t.Errorf("expected line 3, got %d", res.Rows[1].LineNo)
	}
}

func TestBundleParser_Detect(t *testing.T) {
	p := &BundleParser{}
	if !p.Detect("x.json", []byte(`  {"resourceType":"Bundle"`)) {
		t.Error("expected bundle detected")
	}
	if p.Detect("x.json", []byte(`{"person_id":"p"}`)) {
		t.Error("expected non-FHIR JSON rejected")
	}
	if p.Detect("x.txt", []byte("Jan 5, 2024  Dr. Smith")) {
		t.Error("expected text rejected")
	}
}
