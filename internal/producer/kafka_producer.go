package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gosight/gosight/waitlist/internal/config"
)

type KafkaProducer struct {
	writers map[string]*kafka.Writer
}

func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}

	writers := make(map[string]*kafka.Writer)
	for name, topic := range cfg.Topics {
		writers[name] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: time.Millisecond * 100,
			Async:        true,
		}
	}

	return &KafkaProducer{writers: writers}, nil
}

// ProduceEvent writes event to the events topic keyed by anonymous id, so
// one visitor's events stay ordered within a partition.
func (p *KafkaProducer) ProduceEvent(ctx context.Context, key string, event interface{}) error {
	w, ok := p.writers["events"]
	if !ok {
		return fmt.Errorf("kafka: no events topic configured")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
}

func (p *KafkaProducer) Close() error {
	for _, w := range p.writers {
		w.Close()
	}
	return nil
}
