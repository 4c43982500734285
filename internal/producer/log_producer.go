package producer

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LogProducer stands in for Kafka when no brokers are configured and logs
// each event at debug level.
type LogProducer struct{}

func (LogProducer) ProduceEvent(_ context.Context, key string, event interface{}) error {
	log.Debug().Str("key", key).Interface("event", event).Msg("Event received")
	return nil
}

func (LogProducer) Close() error { return nil }
