package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/infra/config"
)

const opValidatePayload = "validate payload"

type compiledRule struct {
	name    string
	message string
	program cel.Program
}

// Validator evaluates CEL payload rules per entity type.
type Validator struct {
	rules map[domain.EntityType][]compiledRule
}

var _ port.PayloadValidator = (*Validator)(nil)

// NewValidator compiles every rule up front. Entity type keys are matched
// case-insensitively since config files lowercase map keys.
func NewValidator(specs map[string][]config.RuleSpec) (*Validator, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("entity_type", cel.StringType),
		cel.Variable("natural_key", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	v := &Validator{rules: make(map[domain.EntityType][]compiledRule, len(specs))}
	for rawType, ruleSpecs := range specs {
		entityType := domain.EntityType(strings.ToUpper(strings.TrimSpace(rawType)))
		if !entityType.Valid() {
			return nil, fmt.Errorf("rules configured for unknown entity type %q", rawType)
		}

		for i, spec := range ruleSpecs {
			name := strings.TrimSpace(spec.Name)
			if name == "" {
				name = fmt.Sprintf("%s#%d", strings.ToLower(string(entityType)), i+1)
			}

			program, err := compile(env, spec.Expression)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", name, err)
			}
			v.rules[entityType] = append(v.rules[entityType], compiledRule{
				name:    name,
				message: strings.TrimSpace(spec.Message),
				program: program,
			})
		}
	}

	return v, nil
}

func compile(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression must return bool, got %s", out)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return program, nil
}

// RuleCount reports how many rules apply to entityType.
func (v *Validator) RuleCount(entityType domain.EntityType) int {
	return len(v.rules[entityType])
}

// Validate rejects payload with ErrValidation on the first rule that does not hold.
func (v *Validator) Validate(ctx context.Context, key domain.CacheKey, payload domain.Payload) error {
	rules := v.rules[key.EntityType]
	if len(rules) == 0 {
		return nil
	}

	document, err := payload.AsMap()
	if err != nil {
		return domain.NewValidation(opValidatePayload, "%v", err)
	}
	activation := map[string]any{
		"payload":     document,
		"entity_type": string(key.EntityType),
		"natural_key": key.NaturalKey,
	}

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, _, err := rule.program.Eval(activation)
		if err != nil {
			return domain.NewValidation(opValidatePayload, "rule %s could not be evaluated: %v", rule.name, err)
		}
		passed, ok := out.Value().(bool)
		if !ok {
			return domain.NewValidation(opValidatePayload, "rule %s did not return boolean, got %T", rule.name, out.Value())
		}
		if !passed {
			if rule.message != "" {
				return domain.NewValidation(opValidatePayload, "rule %s failed: %s", rule.name, rule.message)
			}
			return domain.NewValidation(opValidatePayload, "rule %s failed", rule.name)
		}
	}

	return nil
}
