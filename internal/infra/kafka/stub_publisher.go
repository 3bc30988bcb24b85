package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
)

// StubBroadcaster logs invalidations instead of sending them to Kafka. Useful for development environments.
type StubBroadcaster struct {
	logger *zap.Logger
}

// NewStubBroadcaster constructs a development-friendly invalidator.
func NewStubBroadcaster(logger *zap.Logger) *StubBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StubBroadcaster{logger: logger}
}

var _ port.CacheInvalidator = (*StubBroadcaster)(nil)

// Invalidate logs the governance cache.invalidated event.
func (p *StubBroadcaster) Invalidate(_ context.Context, key domain.CacheKey) error {
	p.logger.Info("Stub event published",
		zap.String("event_type", EventCacheInvalidated),
		zap.String("entity_type", string(key.EntityType)),
		zap.String("natural_key", key.NaturalKey),
		zap.Time("timestamp", time.Now().UTC()),
	)
	return nil
}
