package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/infra/logger"
	"github.com/arklim/config-governance/internal/repository"
)

const opCurrent = "current version"

// CurrentCacheMetrics captures telemetry hooks for current version lookups.
type CurrentCacheMetrics interface {
	IncCacheHit(entityType domain.EntityType)
	IncCacheMiss(entityType domain.EntityType)
}

// CurrentVersionReader serves current version lookups for external consumers
// through a TTL bounded read-through cache.
type CurrentVersionReader struct {
	uow      port.VersionUnitOfWork
	adapters *AdapterRegistry
	cache    port.CurrentVersionCache
	ttl      time.Duration
	logger   *zap.Logger
	metrics  CurrentCacheMetrics
}

// NewCurrentVersionReader constructs the reader. A nil cache disables caching.
func NewCurrentVersionReader(uow port.VersionUnitOfWork, adapters *AdapterRegistry, cache port.CurrentVersionCache, ttl time.Duration) *CurrentVersionReader {
	if adapters == nil {
		adapters = NewAdapterRegistry(DefaultAdapters()...)
	}
	return &CurrentVersionReader{
		uow:      uow,
		adapters: adapters,
		cache:    cache,
		ttl:      ttl,
		logger:   zap.NewNop(),
	}
}

// WithLogger attaches a structured logger to the reader.
func (r *CurrentVersionReader) WithLogger(logger *zap.Logger) *CurrentVersionReader {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithMetrics wires cache hit and miss counters.
func (r *CurrentVersionReader) WithMetrics(metrics CurrentCacheMetrics) *CurrentVersionReader {
	if metrics != nil {
		r.metrics = metrics
	}
	return r
}

// Current returns the current version registered under naturalKey.
func (r *CurrentVersionReader) Current(ctx context.Context, entityType domain.EntityType, naturalKey string) (domain.Version, error) {
	adapter, err := r.adapters.Lookup(entityType)
	if err != nil {
		return domain.Version{}, err
	}
	key := adapter.CacheKey(strings.TrimSpace(naturalKey))
	log := logger.Enrich(r.logger, ctx)

	if r.cache != nil {
		cached, err := r.cache.GetCurrent(ctx, key)
		switch {
		case err != nil:
			log.Warn("current version cache lookup failed", zap.String("key", key.String()), zap.Error(err))
		case cached != nil:
			if r.metrics != nil {
				r.metrics.IncCacheHit(key.EntityType)
			}
			return *cached, nil
		}
		if r.metrics != nil {
			r.metrics.IncCacheMiss(key.EntityType)
		}
	}

	var version domain.Version
	err = r.uow.Read(ctx, func(repo port.VersionRepository) error {
		root, err := repo.GetRootByKey(ctx, key)
		if err != nil {
			return mapReadErr(opCurrent, "", "root "+key.String()+" not found", err)
		}
		currentID, ok := root.CurrentVersion()
		if !ok {
			return domain.NewNotFound(opCurrent, root.ID, "current version not found")
		}
		found, err := repo.GetVersionByID(ctx, currentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				log.Error("root pointer is dangling", zap.String("root_id", root.ID), zap.String("version_id", currentID))
				return domain.NewInvariantViolation(opCurrent, root.ID, "current pointer references missing version %s", currentID)
			}
			return fmt.Errorf("load current version: %w", err)
		}
		version = *found
		return nil
	})
	if err != nil {
		return domain.Version{}, err
	}

	if r.cache != nil && r.ttl > 0 {
		if err := r.cache.SetCurrent(ctx, key, version, r.ttl); err != nil {
			log.Warn("current version cache store failed", zap.String("key", key.String()), zap.Error(err))
		}
	}
	return version, nil
}
