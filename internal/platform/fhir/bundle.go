// Package fhir holds the subset of FHIR R4 wire types the lab importer reads,
// plus newline-delimited JSON helpers shared by the importer's artifacts.
package fhir

import (
	"encoding/json"
	"fmt"
)

// Resource type names the importer distinguishes.
const (
	ResourceObservation = "Observation"
	ResourceBundle      = "Bundle"
)

// Bundle is a FHIR Bundle. Entry resources are kept raw so that each can be
// dispatched on its resourceType.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is a single entry in a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// ResourceType peeks at the resourceType of a raw JSON resource.
func ResourceType(raw []byte) (string, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("decode resource type: %w", err)
	}
	return head.ResourceType, nil
}
