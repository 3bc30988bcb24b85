package domain

import "time"

// CacheInvalidatedEvent represents the payload for governance.cache.invalidated messages.
type CacheInvalidatedEvent struct {
	EventID       string     `json:"event_id"`
	EntityType    EntityType `json:"entity_type"`
	NaturalKey    string     `json:"natural_key"`
	InvalidatedAt time.Time  `json:"invalidated_at"`
}

// Key returns the cache key addressed by the event.
func (e CacheInvalidatedEvent) Key() CacheKey {
	return CacheKey{EntityType: e.EntityType, NaturalKey: e.NaturalKey}
}
