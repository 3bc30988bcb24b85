package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/infra/config"
)

const (
	schemaVersion = "1.0"

	// EventCacheInvalidated is the event type, and topic suffix, of invalidation broadcasts.
	EventCacheInvalidated = "cache.invalidated"
)

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   json.RawMessage  `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

// InvalidationBroadcaster publishes cache invalidations so that every
// instance can evict its local tier.
type InvalidationBroadcaster struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
	now      func() time.Time
}

// NewInvalidationBroadcaster constructs a Kafka-backed invalidator.
func NewInvalidationBroadcaster(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *InvalidationBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationBroadcaster{producer: producer, appCfg: appCfg, logger: logger, now: time.Now}
}

var _ port.CacheInvalidator = (*InvalidationBroadcaster)(nil)

// Invalidate publishes a governance cache.invalidated event for key.
func (b *InvalidationBroadcaster) Invalidate(ctx context.Context, key domain.CacheKey) error {
	event := domain.CacheInvalidatedEvent{
		EventID:       uuid.NewString(),
		EntityType:    key.EntityType,
		NaturalKey:    key.NaturalKey,
		InvalidatedAt: b.now().UTC(),
	}

	bytes, err := encodeEnvelope(ctx, event, b.appCfg)
	if err != nil {
		return err
	}

	message := &sarama.ProducerMessage{
		Topic: b.producer.TopicName(EventCacheInvalidated),
		Key:   sarama.StringEncoder(key.String()),
		Value: sarama.ByteEncoder(bytes),
	}

	select {
	case b.producer.Producer().Input() <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encodeEnvelope(ctx context.Context, event domain.CacheInvalidatedEvent, appCfg config.AppSettings) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal invalidation payload: %w", err)
	}

	metadata := envelopeMetadata{
		"service":     appCfg.Name,
		"environment": appCfg.Env,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   event.EventID,
		EventType: EventCacheInvalidated,
		Timestamp: event.InvalidatedAt,
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal event envelope: %w", err)
	}
	return bytes, nil
}

func decodeEnvelope(raw []byte) (domain.CacheInvalidatedEvent, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return domain.CacheInvalidatedEvent{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if envelope.EventType != EventCacheInvalidated {
		return domain.CacheInvalidatedEvent{}, fmt.Errorf("unexpected event type %q", envelope.EventType)
	}

	var event domain.CacheInvalidatedEvent
	if err := json.Unmarshal(envelope.Payload, &event); err != nil {
		return domain.CacheInvalidatedEvent{}, fmt.Errorf("decode invalidation payload: %w", err)
	}
	if strings.TrimSpace(string(event.EntityType)) == "" || strings.TrimSpace(event.NaturalKey) == "" {
		return domain.CacheInvalidatedEvent{}, fmt.Errorf("invalidation event without key")
	}
	return event, nil
}
