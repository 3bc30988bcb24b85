package usecase

import (
	"strings"

	"github.com/arklim/config-governance/internal/core/domain"
)

// EntityAdapter supplies the per entity type behaviour of the versioning engine.
type EntityAdapter interface {
	EntityType() domain.EntityType
	CacheKey(naturalKey string) domain.CacheKey
	Diff(from, to domain.Payload) (map[string]domain.FieldChange, error)
}

// PayloadAdapter diffs payloads field by field, treating the configured
// content paths as unordered sets.
type PayloadAdapter struct {
	entityType domain.EntityType
	diffOpts   domain.DiffOptions
}

// NewPayloadAdapter constructs an adapter for entityType.
func NewPayloadAdapter(entityType domain.EntityType, unorderedPaths ...string) *PayloadAdapter {
	return &PayloadAdapter{
		entityType: entityType,
		diffOpts:   domain.DiffOptions{UnorderedPaths: unorderedPaths},
	}
}

// EntityType implements EntityAdapter.
func (a *PayloadAdapter) EntityType() domain.EntityType { return a.entityType }

// CacheKey implements EntityAdapter.
func (a *PayloadAdapter) CacheKey(naturalKey string) domain.CacheKey {
	return domain.CacheKey{EntityType: a.entityType, NaturalKey: naturalKey}
}

// Diff implements EntityAdapter.
func (a *PayloadAdapter) Diff(from, to domain.Payload) (map[string]domain.FieldChange, error) {
	return domain.DiffPayloads(from, to, a.diffOpts)
}

// DefaultAdapters returns adapters for the permission group, system config
// and approval template entity types.
func DefaultAdapters() []EntityAdapter {
	return []EntityAdapter{
		// permission assignments carry no order
		NewPayloadAdapter(domain.EntityPermissionGroup, "permissions"),
		NewPayloadAdapter(domain.EntitySystemConfig),
		NewPayloadAdapter(domain.EntityApprovalTemplate),
	}
}

// AdapterRegistry resolves adapters by entity type.
type AdapterRegistry struct {
	adapters map[domain.EntityType]EntityAdapter
}

// NewAdapterRegistry indexes the provided adapters. Later adapters replace
// earlier ones registered for the same type.
func NewAdapterRegistry(adapters ...EntityAdapter) *AdapterRegistry {
	reg := &AdapterRegistry{adapters: make(map[domain.EntityType]EntityAdapter, len(adapters))}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		reg.adapters[adapter.EntityType()] = adapter
	}
	return reg
}

// Lookup returns the adapter for entityType or an ErrValidation error.
func (r *AdapterRegistry) Lookup(entityType domain.EntityType) (EntityAdapter, error) {
	normalized := domain.EntityType(strings.ToUpper(strings.TrimSpace(string(entityType))))
	if r != nil {
		if adapter, ok := r.adapters[normalized]; ok {
			return adapter, nil
		}
	}
	return nil, domain.NewValidation("lookup adapter", "unknown entity type %q", entityType)
}

// Types lists the registered entity types.
func (r *AdapterRegistry) Types() []domain.EntityType {
	out := make([]domain.EntityType, 0, len(r.adapters))
	for entityType := range r.adapters {
		out = append(out, entityType)
	}
	return out
}
