package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the versioned business content. The engine only clones and
// diffs it; Content is an entity specific JSON document.
type Payload struct {
	Name        string          `json:"name"`
	Description *string         `json:"description,omitempty"`
	Active      bool            `json:"active"`
	Content     json.RawMessage `json:"content,omitempty"`
}

// Clone returns a value copy sharing no memory with the receiver.
func (p Payload) Clone() Payload {
	out := Payload{
		Name:        p.Name,
		Description: cloneString(p.Description),
		Active:      p.Active,
	}
	if p.Content != nil {
		out.Content = append(json.RawMessage(nil), p.Content...)
	}
	return out
}

// WithActive returns a copy of the payload with the active flag replaced.
func (p Payload) WithActive(active bool) Payload {
	out := p.Clone()
	out.Active = active
	return out
}

// ContentValue decodes Content into generic JSON values. Empty content decodes to nil.
func (p Payload) ContentValue() (any, error) {
	trimmed := bytes.TrimSpace(p.Content)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return nil, fmt.Errorf("decode payload content: %w", err)
	}
	return value, nil
}

// AsMap renders the payload as generic JSON values keyed by field name.
func (p Payload) AsMap() (map[string]any, error) {
	content, err := p.ContentValue()
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"name":   p.Name,
		"active": p.Active,
	}
	if p.Description != nil {
		out["description"] = *p.Description
	} else {
		out["description"] = nil
	}
	out["content"] = content
	return out, nil
}

// Validate checks the structural requirements of the payload.
func (p Payload) Validate() error {
	trimmed := bytes.TrimSpace(p.Content)
	if len(trimmed) > 0 && !json.Valid(trimmed) {
		return fmt.Errorf("payload content is not valid JSON")
	}
	return nil
}
