package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const contentField = "content"

// FieldChange holds the old and new values of one differing field.
type FieldChange struct {
	OldValue any `json:"old_value"`
	NewValue any `json:"new_value"`
}

// VersionDiff is the field-level difference between two versions of a root.
type VersionDiff struct {
	RootID      string                 `json:"root_id"`
	FromVersion int                    `json:"from_version"`
	ToVersion   int                    `json:"to_version"`
	Changes     map[string]FieldChange `json:"changes"`
	// MergePatch is the RFC 7386 patch turning the from payload into the to payload.
	MergePatch json.RawMessage `json:"merge_patch,omitempty"`
}

// Empty reports whether no field differs.
func (d VersionDiff) Empty() bool { return len(d.Changes) == 0 }

// Fields returns the differing field names in sorted order.
func (d VersionDiff) Fields() []string {
	keys := make([]string, 0, len(d.Changes))
	for key := range d.Changes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// DiffOptions tunes DiffPayloads for a given entity type.
type DiffOptions struct {
	// UnorderedPaths lists content paths (for example "permissions") whose
	// arrays are compared as sets.
	UnorderedPaths []string
}

// DiffPayloads compares two payloads field by field. Content is flattened
// into dotted paths prefixed with "content" so nested changes are reported
// individually.
func DiffPayloads(from, to Payload, opts DiffOptions) (map[string]FieldChange, error) {
	base, err := flattenPayload(from, opts)
	if err != nil {
		return nil, err
	}
	target, err := flattenPayload(to, opts)
	if err != nil {
		return nil, err
	}

	changes := make(map[string]FieldChange)
	for key, oldValue := range base {
		newValue, ok := target[key]
		if !ok {
			changes[key] = FieldChange{OldValue: oldValue}
			continue
		}
		if !reflect.DeepEqual(oldValue, newValue) {
			changes[key] = FieldChange{OldValue: oldValue, NewValue: newValue}
		}
	}
	for key, newValue := range target {
		if _, ok := base[key]; !ok {
			changes[key] = FieldChange{NewValue: newValue}
		}
	}
	return changes, nil
}

func flattenPayload(p Payload, opts DiffOptions) (map[string]any, error) {
	acc := map[string]any{
		"name":   p.Name,
		"active": p.Active,
	}
	if p.Description != nil {
		acc["description"] = *p.Description
	} else {
		acc["description"] = nil
	}

	content, err := p.ContentValue()
	if err != nil {
		return nil, err
	}
	if content == nil {
		return acc, nil
	}

	unordered := make(map[string]struct{}, len(opts.UnorderedPaths))
	for _, path := range opts.UnorderedPaths {
		unordered[strings.TrimPrefix(path, contentField+".")] = struct{}{}
	}
	if err := flattenValue(contentField, "", content, unordered, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// flattenValue walks value, writing leaves into acc. shape is the path without
// array indices, used to match unordered paths.
func flattenValue(prefix, shape string, value any, unordered map[string]struct{}, acc map[string]any) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			acc[prefix] = map[string]any{}
			return nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			nextShape := key
			if shape != "" {
				nextShape = shape + "." + key
			}
			if err := flattenValue(prefix+"."+key, nextShape, typed[key], unordered, acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			acc[prefix] = []any{}
			return nil
		}
		if _, ok := unordered[shape]; ok {
			return flattenSet(prefix, typed, acc)
		}
		for idx, item := range typed {
			if err := flattenValue(fmt.Sprintf("%s[%d]", prefix, idx), shape, item, unordered, acc); err != nil {
				return err
			}
		}
	default:
		acc[prefix] = typed
	}
	return nil
}

// flattenSet keys each element by its JSON encoding, so membership changes
// show up as (element, nil) or (nil, element) regardless of position.
// Repeated elements are suffixed with their occurrence count.
func flattenSet(prefix string, items []any, acc map[string]any) error {
	seen := make(map[string]int, len(items))
	for _, item := range items {
		encoded, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode set element: %w", err)
		}
		key := string(encoded)
		seen[key]++
		path := fmt.Sprintf("%s{%s}", prefix, key)
		if n := seen[key]; n > 1 {
			path = fmt.Sprintf("%s#%d", path, n)
		}
		acc[path] = item
	}
	return nil
}
