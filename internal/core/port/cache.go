package port

import (
	"context"
	"time"

	"github.com/arklim/config-governance/internal/core/domain"
)

// CacheInvalidator is notified after a committed change to a root's current version.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, key domain.CacheKey) error
}

// CurrentVersionCache stores current version snapshots for read-through lookups.
type CurrentVersionCache interface {
	GetCurrent(ctx context.Context, key domain.CacheKey) (*domain.Version, error)
	SetCurrent(ctx context.Context, key domain.CacheKey, version domain.Version, ttl time.Duration) error
	CacheInvalidator
}
