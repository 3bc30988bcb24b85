package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
)

// FanoutInvalidator forwards each invalidation to every target and reports
// the joined failures. A failing target does not stop the others.
type FanoutInvalidator struct {
	targets []port.CacheInvalidator
}

// NewFanoutInvalidator skips nil targets.
func NewFanoutInvalidator(targets ...port.CacheInvalidator) *FanoutInvalidator {
	out := &FanoutInvalidator{}
	for _, target := range targets {
		if target != nil {
			out.targets = append(out.targets, target)
		}
	}
	return out
}

var _ port.CacheInvalidator = (*FanoutInvalidator)(nil)

// Invalidate implements port.CacheInvalidator.
func (f *FanoutInvalidator) Invalidate(ctx context.Context, key domain.CacheKey) error {
	var errs []error
	for i, target := range f.targets {
		if err := target.Invalidate(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("invalidator %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
