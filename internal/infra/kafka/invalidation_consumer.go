package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/infra/config"
)

// InvalidationConsumer evicts local cache entries when invalidation events are observed.
type InvalidationConsumer struct {
	cache  port.CacheInvalidator
	logger *zap.Logger
}

// NewInvalidationConsumer constructs a consumer that evicts from cache.
func NewInvalidationConsumer(cache port.CacheInvalidator, logger *zap.Logger) *InvalidationConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvalidationConsumer{cache: cache, logger: logger}
}

// HandleMessage decodes a Kafka message and evicts the cache entry.
func (c *InvalidationConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}

	event, err := decodeEnvelope(msg.Value)
	if err != nil {
		return err
	}

	return c.HandleEvent(ctx, event)
}

// HandleEvent evicts the cache entry addressed by event.
func (c *InvalidationConsumer) HandleEvent(ctx context.Context, event domain.CacheInvalidatedEvent) error {
	if c.cache == nil {
		return nil
	}

	if err := c.cache.Invalidate(ctx, event.Key()); err != nil {
		c.logger.Warn("failed to evict current version cache", zap.String("key", event.Key().String()), zap.Error(err))
		return fmt.Errorf("evict current version: %w", err)
	}

	return nil
}

// Setup implements sarama.ConsumerGroupHandler.
func (c *InvalidationConsumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *InvalidationConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler. Undecodable messages
// are logged and skipped so that one bad record cannot stall the partition.
func (c *InvalidationConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := c.HandleMessage(session.Context(), msg); err != nil {
				c.logger.Warn("invalidation message skipped",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
			}
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

var _ sarama.ConsumerGroupHandler = (*InvalidationConsumer)(nil)

// NewConsumerGroup builds the sarama consumer group used to receive invalidations.
func NewConsumerGroup(cfg config.KafkaSettings) (sarama.ConsumerGroup, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_5_0_0
	saramaConfig.ClientID = "config-governance"
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}
	return group, nil
}

// Run consumes invalidations from the topic until ctx is cancelled.
func (c *InvalidationConsumer) Run(ctx context.Context, group sarama.ConsumerGroup, topic string) error {
	go func() {
		for err := range group.Errors() {
			c.logger.Error("Kafka consumer group error", zap.Error(err))
		}
	}()

	for {
		if err := group.Consume(ctx, []string{topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume invalidations: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
