package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDiffPayloadsFlattensContent(t *testing.T) {
	from := Payload{Name: "A", Active: true, Content: json.RawMessage(`{"limits":{"daily":5,"monthly":100},"tags":["x"]}`)}
	to := Payload{Name: "A", Active: false, Content: json.RawMessage(`{"limits":{"daily":7,"monthly":100},"tags":["x","y"]}`)}

	changes, err := DiffPayloads(from, to, DiffOptions{})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %v", changes)
	}
	if c := changes["content.limits.daily"]; c.OldValue != float64(5) || c.NewValue != float64(7) {
		t.Fatalf("unexpected daily change: %+v", c)
	}
	if c := changes["content.tags[1]"]; c.OldValue != nil || c.NewValue != "y" {
		t.Fatalf("unexpected tags change: %+v", c)
	}
	if c := changes["active"]; c.OldValue != true || c.NewValue != false {
		t.Fatalf("unexpected active change: %+v", c)
	}
}

func TestDiffPayloadsUnorderedPaths(t *testing.T) {
	from := Payload{Name: "g", Content: json.RawMessage(`{"permissions":["b","a"]}`)}
	to := Payload{Name: "g", Content: json.RawMessage(`{"permissions":["a","b"]}`)}

	ordered, err := DiffPayloads(from, to, DiffOptions{})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(ordered) == 0 {
		t.Fatalf("expected ordered comparison to differ")
	}
	unordered, err := DiffPayloads(from, to, DiffOptions{UnorderedPaths: []string{"permissions"}})
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(unordered) != 0 {
		t.Fatalf("expected no changes, got %v", unordered)
	}
}

func TestDiffPayloadsSetMembership(t *testing.T) {
	opts := DiffOptions{UnorderedPaths: []string{"permissions"}}
	from := Payload{Name: "g", Content: json.RawMessage(`{"permissions":["a","b","c"]}`)}
	to := Payload{Name: "g", Content: json.RawMessage(`{"permissions":["c","b","d"]}`)}

	changes, err := DiffPayloads(from, to, opts)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected only the removed and added elements, got %v", changes)
	}
	removed, ok := changes[`content.permissions{"a"}`]
	if !ok || removed.OldValue != "a" || removed.NewValue != nil {
		t.Fatalf("expected a to be reported as removed, got %v", changes)
	}
	added, ok := changes[`content.permissions{"d"}`]
	if !ok || added.OldValue != nil || added.NewValue != "d" {
		t.Fatalf("expected d to be reported as added, got %v", changes)
	}
}

func TestDiffPayloadsSetDuplicates(t *testing.T) {
	opts := DiffOptions{UnorderedPaths: []string{"permissions"}}
	from := Payload{Content: json.RawMessage(`{"permissions":["a","a"]}`)}
	to := Payload{Content: json.RawMessage(`{"permissions":["a"]}`)}

	changes, err := DiffPayloads(from, to, opts)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected one removed duplicate, got %v", changes)
	}
	if change, ok := changes[`content.permissions{"a"}#2`]; !ok || change.OldValue != "a" {
		t.Fatalf("expected second occurrence to be removed, got %v", changes)
	}
}

func TestDiffPayloadsRejectsInvalidContent(t *testing.T) {
	if _, err := DiffPayloads(Payload{Content: json.RawMessage(`{`)}, Payload{}, DiffOptions{}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestVersionCovers(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	closed := Version{Status: VersionStatusHistorical, ValidFrom: from, ValidTo: &to}
	open := Version{Status: VersionStatusPublished, ValidFrom: to}
	draft := Version{Status: VersionStatusDraft, ValidFrom: from}

	if !closed.Covers(from) || closed.Covers(to) {
		t.Fatalf("closed interval must be half open")
	}
	if !open.Covers(to.Add(24*time.Hour)) || open.Covers(from) {
		t.Fatalf("open interval must extend forever from validFrom")
	}
	if draft.Covers(from) {
		t.Fatalf("drafts never cover an instant")
	}
	if !open.IsCurrent() || closed.IsCurrent() {
		t.Fatalf("unexpected current flags")
	}
}

func TestVersionCloneIsDeep(t *testing.T) {
	reason := "initial"
	v := Version{ChangeReason: &reason, Payload: Payload{Name: "A", Content: json.RawMessage(`{"a":1}`)}}
	clone := v.Clone()
	*clone.ChangeReason = "changed"
	clone.Payload.Content[1] = ' '

	if *v.ChangeReason != "initial" || string(v.Payload.Content) != `{"a":1}` {
		t.Fatalf("clone shares memory with original")
	}
}

func TestVersioningErrorMatchesKindAndCause(t *testing.T) {
	cause := json.Unmarshal([]byte(`{`), &struct{}{})
	err := &VersioningError{Kind: ErrInvariantViolation, Op: "publish draft", RootID: "r1", Detail: "broken", Err: cause}

	if !errors.Is(err, ErrInvariantViolation) || !errors.Is(err, cause) {
		t.Fatalf("expected error to match kind and cause")
	}
	if got := NewNotFound("get version", "r1", "version %d not found", 3).Error(); got != "get version: not found: version 3 not found (root r1)" {
		t.Fatalf("unexpected message %q", got)
	}
}
