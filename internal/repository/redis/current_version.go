package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	red "github.com/redis/go-redis/v9"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
)

const defaultCurrentVersionPrefix = "governance:current"

// CurrentVersionCache caches current version snapshots keyed by entity type and natural key.
type CurrentVersionCache struct {
	client *red.Client
	prefix string
}

// NewCurrentVersionCache constructs the current version cache helper.
func NewCurrentVersionCache(client *red.Client, keyPrefix string) *CurrentVersionCache {
	prefix := strings.TrimSpace(keyPrefix)
	if prefix == "" {
		prefix = defaultCurrentVersionPrefix
	}

	return &CurrentVersionCache{client: client, prefix: prefix}
}

var _ port.CurrentVersionCache = (*CurrentVersionCache)(nil)

// GetCurrent returns the cached snapshot, or nil on a miss.
func (c *CurrentVersionCache) GetCurrent(ctx context.Context, key domain.CacheKey) (*domain.Version, error) {
	redisKey, err := c.key(key)
	if err != nil {
		return nil, err
	}

	raw, err := c.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, red.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get current version: %w", err)
	}

	var version domain.Version
	if err := json.Unmarshal(raw, &version); err != nil {
		return nil, fmt.Errorf("decode cached current version: %w", err)
	}
	return &version, nil
}

// SetCurrent stores the snapshot with TTL.
func (c *CurrentVersionCache) SetCurrent(ctx context.Context, key domain.CacheKey, version domain.Version, ttl time.Duration) error {
	redisKey, err := c.key(key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	payload, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("encode current version: %w", err)
	}
	if err := c.client.Set(ctx, redisKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set current version: %w", err)
	}
	return nil
}

// Invalidate removes the cached snapshot.
func (c *CurrentVersionCache) Invalidate(ctx context.Context, key domain.CacheKey) error {
	redisKey, err := c.key(key)
	if err != nil {
		return err
	}

	if err := c.client.Del(ctx, redisKey).Err(); err != nil {
		return fmt.Errorf("redis delete current version: %w", err)
	}
	return nil
}

func (c *CurrentVersionCache) key(key domain.CacheKey) (string, error) {
	entityType := strings.TrimSpace(string(key.EntityType))
	naturalKey := strings.TrimSpace(key.NaturalKey)
	if entityType == "" || naturalKey == "" {
		return "", fmt.Errorf("entity type and natural key are required")
	}
	return fmt.Sprintf("%s:%s:%s", c.prefix, entityType, naturalKey), nil
}
