package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/aggregate"
	"github.com/gosight/gosight/waitlist/internal/config"
	"github.com/gosight/gosight/waitlist/internal/enricher"
	"github.com/gosight/gosight/waitlist/internal/handler"
	"github.com/gosight/gosight/waitlist/internal/producer"
	"github.com/gosight/gosight/waitlist/internal/ratelimit"
	"github.com/gosight/gosight/waitlist/internal/waitlist"
)

type eventProducer interface {
	handler.Publisher
	Close() error
}

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
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Msg("Starting waitlist dev backend...")

	// Waitlist storage
	var repo waitlist.Repository
	if cfg.Postgres.DSN != "" {
		pg, err := waitlist.NewPostgres(context.Background(), cfg.Postgres.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		repo = pg
		log.Info().Msg("Waitlist backed by PostgreSQL")
	} else {
		repo = waitlist.NewMemory()
		log.Info().Msg("Waitlist kept in memory")
	}
	defer repo.Close()

	// Event fan-out
	var events eventProducer = producer.LogProducer{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := producer.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kafka producer")
		}
		events = kp
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Kafka producer initialized")
	}
	defer events.Close()

	eventEnricher := enricher.NewEnricher(cfg.GeoIP.DatabasePath)
	defer eventEnricher.Close()

	var opts []handler.Option
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		opts = append(opts, handler.WithFunnelCounter(aggregate.NewReferrals(rdb)))
	}
	if n := cfg.RateLimit.RequestsPerSecond; n > 0 {
		if rdb != nil {
			opts = append(opts, handler.WithLimiter(ratelimit.NewRedis(rdb, n)))
		} else {
			opts = append(opts, handler.WithLimiter(ratelimit.NewMemory(n)))
		}
	}

	accounts := waitlist.NewAccounts(cfg.Server.IdentityAccounts)
	httpHandler := handler.NewHTTPHandler(repo, accounts, events, eventEnricher, opts...)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: httpHandler.Router(),
	}

	go func() {
		log.Info().Int("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	log.Info().Msg("Server stopped")
}
