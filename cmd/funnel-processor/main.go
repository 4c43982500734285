package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/aggregate"
	"github.com/gosight/gosight/waitlist/internal/config"
	"github.com/gosight/gosight/waitlist/internal/consumer"
	"github.com/gosight/gosight/waitlist/internal/processor"
	"github.com/gosight/gosight/waitlist/internal/warehouse"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/waitlist.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("Failed to load config")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		log.Fatal().Msg("kafka.brokers is required")
	}

	log.Info().
		Strs("kafka_brokers", cfg.Kafka.Brokers).
		Str("clickhouse_addr", cfg.ClickHouse.Addr).
		Str("redis_addr", cfg.Redis.Addr).
		Int("batch_size", cfg.Batch.Size).
		Dur("flush_interval", cfg.Batch.FlushInterval).
		Msg("Configuration loaded")

	// Initialize ClickHouse
	ch, err := warehouse.NewClickHouse(cfg.ClickHouse)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to ClickHouse")
	}
	defer ch.Close()
	if err := ch.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to create funnel_events table")
	}
	log.Info().Msg("Connected to ClickHouse")

	// Referral counters
	var counter processor.Counter
	if cfg.Redis.Addr != "" {
		referrals := aggregate.NewReferrals(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}))
		defer referrals.Close()
		counter = referrals
		log.Info().Msg("Referral aggregator initialized")
	}

	eventProcessor := processor.NewEventProcessor(ch, counter, cfg.Batch)

	kafkaConsumer, err := consumer.NewKafkaConsumer(cfg.Kafka, eventProcessor)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer")
	}

	// Start consuming
	ctx, cancel := context.WithCancel(context.Background())
	go kafkaConsumer.Start(ctx)

	log.Info().Msg("Funnel processor started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()
	kafkaConsumer.Close()
	eventProcessor.Stop()

	log.Info().Msg("Shutdown complete")
}
