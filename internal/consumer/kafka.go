package consumer

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/gosight/gosight/waitlist/internal/config"
	"github.com/gosight/gosight/waitlist/internal/enricher"
)

// MessageProcessor handles one decoded event
type MessageProcessor interface {
	Process(ctx context.Context, event *enricher.EnrichedEvent) error
	Flush()
}

// KafkaConsumer consumes messages from Kafka
type KafkaConsumer struct {
	reader    *kafka.Reader
	processor MessageProcessor
}

func NewKafkaConsumer(cfg config.KafkaConfig, processor MessageProcessor) (*KafkaConsumer, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topics["events"],
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1e3,  // 1KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 1000,
		StartOffset:    kafka.LastOffset,
	})

	return &KafkaConsumer{
		reader:    reader,
		processor: processor,
	}, nil
}

// Start consumes until ctx is cancelled. Every fetched message is
// committed, including ones that fail to decode or process.
func (c *KafkaConsumer) Start(ctx context.Context) {
	log.Info().
		Str("topic", c.reader.Config().Topic).
		Str("group", c.reader.Config().GroupID).
		Msg("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Kafka consumer stopped")
				return
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		c.handle(ctx, msg.Value)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, value []byte) {
	var event enricher.EnrichedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		log.Error().
			Err(err).
			Str("value", string(value)).
			Msg("Failed to parse message")
		return
	}

	if err := c.processor.Process(ctx, &event); err != nil {
		log.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("event_type", event.EventType).
			Msg("Failed to process event")
	}
}

// Close flushes the processor and closes the reader.
func (c *KafkaConsumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	c.processor.Flush()
	return c.reader.Close()
}
