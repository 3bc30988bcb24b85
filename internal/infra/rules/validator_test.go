package rules

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/infra/config"
)

func approvalRules() map[string][]config.RuleSpec {
	return map[string][]config.RuleSpec{
		"approval_template": {
			{Name: "has-steps", Expression: `has(payload.content.steps) && size(payload.content.steps) > 0`, Message: "at least one step is required"},
			{Name: "named", Expression: `payload.name != ""`},
		},
		"SYSTEM_CONFIG": {
			{Name: "key-scoped", Expression: `natural_key.startsWith("billing.") || entity_type != "SYSTEM_CONFIG"`},
		},
	}
}

func TestValidatorAcceptsConformingPayload(t *testing.T) {
	v, err := NewValidator(approvalRules())
	if err != nil {
		t.Fatalf("NewValidator returned error: %v", err)
	}
	if v.RuleCount(domain.EntityApprovalTemplate) != 2 {
		t.Fatalf("expected lowercased entity type to be normalised, got %d rules", v.RuleCount(domain.EntityApprovalTemplate))
	}

	payload := domain.Payload{Name: "Payments", Active: true, Content: json.RawMessage(`{"steps":["manager","finance"]}`)}
	key := domain.CacheKey{EntityType: domain.EntityApprovalTemplate, NaturalKey: "payments"}
	if err := v.Validate(context.Background(), key, payload); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestValidatorNamesFailingRule(t *testing.T) {
	v, err := NewValidator(approvalRules())
	if err != nil {
		t.Fatalf("NewValidator returned error: %v", err)
	}

	cases := map[string]struct {
		key      domain.CacheKey
		payload  domain.Payload
		contains string
	}{
		"empty steps": {
			key:      domain.CacheKey{EntityType: domain.EntityApprovalTemplate, NaturalKey: "payments"},
			payload:  domain.Payload{Name: "Payments", Content: json.RawMessage(`{"steps":[]}`)},
			contains: "rule has-steps failed: at least one step is required",
		},
		"missing name": {
			key:      domain.CacheKey{EntityType: domain.EntityApprovalTemplate, NaturalKey: "payments"},
			payload:  domain.Payload{Content: json.RawMessage(`{"steps":["manager"]}`)},
			contains: "rule named failed",
		},
		"natural key scope": {
			key:      domain.CacheKey{EntityType: domain.EntitySystemConfig, NaturalKey: "search.limits"},
			payload:  domain.Payload{Name: "Search"},
			contains: "rule key-scoped failed",
		},
	}

	for name, tc := range cases {
		err := v.Validate(context.Background(), tc.key, tc.payload)
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("%s: expected ErrValidation, got %v", name, err)
		}
		if !strings.Contains(err.Error(), tc.contains) {
			t.Fatalf("%s: expected %q in %q", name, tc.contains, err.Error())
		}
	}
}

func TestValidatorIgnoresUnconfiguredTypes(t *testing.T) {
	v, err := NewValidator(approvalRules())
	if err != nil {
		t.Fatalf("NewValidator returned error: %v", err)
	}

	key := domain.CacheKey{EntityType: domain.EntityPermissionGroup, NaturalKey: "ops"}
	if err := v.Validate(context.Background(), key, domain.Payload{}); err != nil {
		t.Fatalf("expected no rules for permission groups, got %v", err)
	}
}

func TestNewValidatorRejectsBadConfiguration(t *testing.T) {
	cases := map[string]map[string][]config.RuleSpec{
		"unknown entity type": {"widget": {{Name: "x", Expression: "true"}}},
		"syntax error":        {"system_config": {{Name: "x", Expression: "payload.name =="}}},
		"non boolean":         {"system_config": {{Name: "x", Expression: `"yes"`}}},
	}
	for name, specs := range cases {
		if _, err := NewValidator(specs); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidatorRuntimeErrorIsValidation(t *testing.T) {
	v, err := NewValidator(map[string][]config.RuleSpec{
		"system_config": {{Name: "limit", Expression: `payload.content.limit > 0`}},
	})
	if err != nil {
		t.Fatalf("NewValidator returned error: %v", err)
	}

	key := domain.CacheKey{EntityType: domain.EntitySystemConfig, NaturalKey: "billing.limits"}
	err = v.Validate(context.Background(), key, domain.Payload{Name: "Billing", Content: json.RawMessage(`{}`)})
	if !errors.Is(err, domain.ErrValidation) || !strings.Contains(err.Error(), "rule limit could not be evaluated") {
		t.Fatalf("expected evaluation failure as ErrValidation, got %v", err)
	}
}
