package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"

	"github.com/arklim/config-governance/internal/core/domain"
)

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := red.NewClient(&red.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func TestCurrentVersionCache_SetGetInvalidate(t *testing.T) {
	client, server := newTestRedis(t)
	cache := NewCurrentVersionCache(client, "gov:test")
	ctx := context.Background()
	key := domain.CacheKey{EntityType: domain.EntitySystemConfig, NaturalKey: "billing.limits"}

	validFrom := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	version := domain.Version{
		ID:            "v-1",
		RootID:        "root-1",
		VersionNumber: 1,
		Payload:       domain.Payload{Name: "A", Active: true, Content: json.RawMessage(`{"limit":10}`)},
		Status:        domain.VersionStatusPublished,
		ValidFrom:     validFrom,
	}
	if err := cache.SetCurrent(ctx, key, version, time.Minute); err != nil {
		t.Fatalf("SetCurrent returned error: %v", err)
	}
	if !server.Exists("gov:test:SYSTEM_CONFIG:billing.limits") {
		t.Fatalf("expected namespaced key to be written")
	}
	if ttl := server.TTL("gov:test:SYSTEM_CONFIG:billing.limits"); ttl != time.Minute {
		t.Fatalf("expected ttl of one minute, got %s", ttl)
	}

	cached, err := cache.GetCurrent(ctx, key)
	if err != nil {
		t.Fatalf("GetCurrent returned error: %v", err)
	}
	if cached == nil || cached.ID != "v-1" || cached.Payload.Name != "A" || !cached.ValidFrom.Equal(validFrom) {
		t.Fatalf("unexpected cached version: %+v", cached)
	}

	if err := cache.Invalidate(ctx, key); err != nil {
		t.Fatalf("Invalidate returned error: %v", err)
	}
	miss, err := cache.GetCurrent(ctx, key)
	if err != nil {
		t.Fatalf("GetCurrent returned error: %v", err)
	}
	if miss != nil {
		t.Fatalf("expected miss after invalidation")
	}
}

func TestCurrentVersionCache_Expires(t *testing.T) {
	client, server := newTestRedis(t)
	cache := NewCurrentVersionCache(client, "")
	ctx := context.Background()
	key := domain.CacheKey{EntityType: domain.EntityPermissionGroup, NaturalKey: "ops"}

	if err := cache.SetCurrent(ctx, key, domain.Version{ID: "v-1"}, time.Second); err != nil {
		t.Fatalf("SetCurrent returned error: %v", err)
	}
	server.FastForward(2 * time.Second)

	miss, err := cache.GetCurrent(ctx, key)
	if err != nil {
		t.Fatalf("GetCurrent returned error: %v", err)
	}
	if miss != nil {
		t.Fatalf("expected entry to expire")
	}
}

func TestCurrentVersionCache_InvalidInput(t *testing.T) {
	client, _ := newTestRedis(t)
	cache := NewCurrentVersionCache(client, "gov:test")
	ctx := context.Background()

	if err := cache.SetCurrent(ctx, domain.CacheKey{EntityType: domain.EntitySystemConfig}, domain.Version{}, time.Minute); err == nil {
		t.Fatalf("expected error for empty natural key")
	}
	if err := cache.SetCurrent(ctx, domain.CacheKey{EntityType: domain.EntitySystemConfig, NaturalKey: "k"}, domain.Version{}, 0); err == nil {
		t.Fatalf("expected error for empty ttl")
	}
	if err := cache.Invalidate(ctx, domain.CacheKey{}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestCurrentVersionCache_Unavailable(t *testing.T) {
	client, server := newTestRedis(t)
	cache := NewCurrentVersionCache(client, "gov:test")
	server.Close()

	if err := cache.Invalidate(context.Background(), domain.CacheKey{EntityType: domain.EntitySystemConfig, NaturalKey: "k"}); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}
