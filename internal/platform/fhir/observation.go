package fhir

import "strings"

// Coding is a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a set of codings plus free text.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// First returns the first coding, or a zero Coding when there is none.
func (c CodeableConcept) First() Coding {
	if len(c.Coding) == 0 {
		return Coding{}
	}
	return c.Coding[0]
}

// Label returns the concept text, falling back to the first coding's display.
func (c CodeableConcept) Label() string {
	if c.Text != "" {
		return c.Text
	}
	return c.First().Display
}

// Quantity is a measured amount.
type Quantity struct {
	Value      *float64 `json:"value,omitempty"`
	Comparator string   `json:"comparator,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	System     string   `json:"system,omitempty"`
	Code       string   `json:"code,omitempty"`
}

// UnitOrCode returns the human unit, or the coded unit when no human unit is
// given.
func (q Quantity) UnitOrCode() string {
	if q.Unit != "" {
		return q.Unit
	}
	return q.Code
}

// Reference points at another resource.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// ID strips a leading resource type from the reference, so "Patient/p1"
// yields "p1".
func (r Reference) ID() string {
	if i := strings.LastIndex(r.Reference, "/"); i >= 0 {
		return r.Reference[i+1:]
	}
	return r.Reference
}

// Period is a start/end time range. Times are kept as the raw FHIR dateTime
// strings since partial dates are legal.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// ReferenceRange is an Observation reference range.
type ReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
	Text string    `json:"text,omitempty"`
}

// ObservationComponent is one component of a multi-part Observation.
type ObservationComponent struct {
	Code                 CodeableConcept   `json:"code"`
	ValueQuantity        *Quantity         `json:"valueQuantity,omitempty"`
	ValueString          *string           `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept  `json:"valueCodeableConcept,omitempty"`
	Interpretation       []CodeableConcept `json:"interpretation,omitempty"`
	ReferenceRange       []ReferenceRange  `json:"referenceRange,omitempty"`
}

// Observation is the FHIR Observation resource, limited to the fields the
// importer consumes.
type Observation struct {
	ResourceType         string                 `json:"resourceType"`
	ID                   string                 `json:"id,omitempty"`
	Status               string                 `json:"status,omitempty"`
	Code                 CodeableConcept        `json:"code"`
	Subject              *Reference             `json:"subject,omitempty"`
	Performer            []Reference            `json:"performer,omitempty"`
	EffectiveDateTime    string                 `json:"effectiveDateTime,omitempty"`
	EffectivePeriod      *Period                `json:"effectivePeriod,omitempty"`
	Issued               string                 `json:"issued,omitempty"`
	ValueQuantity        *Quantity              `json:"valueQuantity,omitempty"`
	ValueString          *string                `json:"valueString,omitempty"`
	ValueCodeableConcept *CodeableConcept       `json:"valueCodeableConcept,omitempty"`
	Interpretation       []CodeableConcept      `json:"interpretation,omitempty"`
	ReferenceRange       []ReferenceRange       `json:"referenceRange,omitempty"`
	Component            []ObservationComponent `json:"component,omitempty"`
}

// EffectiveTime returns the first populated of effectiveDateTime,
// effectivePeriod.start and issued.
func (o *Observation) EffectiveTime() string {
	if o.EffectiveDateTime != "" {
		return o.EffectiveDateTime
	}
	if o.EffectivePeriod != nil && o.EffectivePeriod.Start != "" {
		return o.EffectivePeriod.Start
	}
	return o.Issued
}

// TextValue returns valueString, else valueCodeableConcept text.
func (o *Observation) TextValue() string {
	if o.ValueString != nil {
		return *o.ValueString
	}
	if o.ValueCodeableConcept != nil {
		return o.ValueCodeableConcept.Label()
	}
	return ""
}

// HasValue reports whether the Observation carries any top-level value.
func (o *Observation) HasValue() bool {
	return o.ValueQuantity != nil || o.ValueString != nil || o.ValueCodeableConcept != nil
}
