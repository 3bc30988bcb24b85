package port

import (
	"context"

	"github.com/arklim/config-governance/internal/core/domain"
)

// PayloadValidator enforces entity specific rules before a payload is versioned.
type PayloadValidator interface {
	Validate(ctx context.Context, key domain.CacheKey, payload domain.Payload) error
}
