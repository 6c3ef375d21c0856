package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParsePlan decodes a plan document from JSON or YAML into the typed
// model. It checks encoding only; run Validate for the full layer stack.
func ParsePlan(data []byte) (*Plan, error) {
	doc, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	return decodePlan(doc)
}

// decodeDocument parses raw bytes into a generic JSON-shaped document.
// Input starting with '{' is treated as JSON; anything else goes through
// the YAML parser and a JSON round trip so every later layer sees one
// shape.
func decodeDocument(data []byte) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty plan document")
	}
	if trimmed[0] == '{' {
		var doc any
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return doc, nil
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize YAML document: %w", err)
	}
	var doc any
	if err := json.Unmarshal(normalized, &doc); err != nil {
		return nil, fmt.Errorf("normalize YAML document: %w", err)
	}
	return doc, nil
}

// decodePlan converts a generic document into the typed plan model.
func decodePlan(doc any) (*Plan, error) {
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode plan document: %w", err)
	}
	var p Plan
	if err := json.Unmarshal(buf, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}
