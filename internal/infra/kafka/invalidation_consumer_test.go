package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap/zaptest"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/infra/config"
)

type recordingEvictor struct {
	keys []domain.CacheKey
	err  error
}

func (r *recordingEvictor) Invalidate(_ context.Context, key domain.CacheKey) error {
	r.keys = append(r.keys, key)
	return r.err
}

func TestInvalidationConsumerHandleMessage(t *testing.T) {
	evictor := &recordingEvictor{}
	consumer := NewInvalidationConsumer(evictor, zaptest.NewLogger(t))

	event := domain.CacheInvalidatedEvent{
		EventID:       "event-1",
		EntityType:    domain.EntityApprovalTemplate,
		NaturalKey:    "payments",
		InvalidatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := encodeEnvelope(context.Background(), event, config.AppSettings{Name: "config-governance"})
	if err != nil {
		t.Fatalf("encodeEnvelope returned error: %v", err)
	}

	if err := consumer.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: raw}); err != nil {
		t.Fatalf("HandleMessage returned error: %v", err)
	}
	if len(evictor.keys) != 1 || evictor.keys[0] != event.Key() {
		t.Fatalf("unexpected evictions: %+v", evictor.keys)
	}
}

func TestInvalidationConsumerRejectsGarbage(t *testing.T) {
	evictor := &recordingEvictor{}
	consumer := NewInvalidationConsumer(evictor, zaptest.NewLogger(t))

	if err := consumer.HandleMessage(context.Background(), nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if err := consumer.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")}); err == nil {
		t.Fatalf("expected decode error")
	}
	if len(evictor.keys) != 0 {
		t.Fatalf("expected no evictions, got %+v", evictor.keys)
	}
}

func TestInvalidationConsumerEvictionFailure(t *testing.T) {
	boom := errors.New("cache down")
	consumer := NewInvalidationConsumer(&recordingEvictor{err: boom}, zaptest.NewLogger(t))

	err := consumer.HandleEvent(context.Background(), domain.CacheInvalidatedEvent{EntityType: domain.EntitySystemConfig, NaturalKey: "k"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped eviction error, got %v", err)
	}
}

func TestStubBroadcasterAcceptsEverything(t *testing.T) {
	stub := NewStubBroadcaster(zaptest.NewLogger(t))
	if err := stub.Invalidate(context.Background(), domain.CacheKey{EntityType: domain.EntitySystemConfig, NaturalKey: "k"}); err != nil {
		t.Fatalf("stub returned error: %v", err)
	}
}
