//go:build !(js && wasm)

package app

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/gosight/gosight/waitlist/internal/api"
	"github.com/gosight/gosight/waitlist/internal/config"
	"github.com/gosight/gosight/waitlist/internal/location"
	"github.com/gosight/gosight/waitlist/internal/storage"
)

// OpenStores opens the configured storage driver for one profile. Profiles
// share a backend and are separated by key prefix.
func OpenStores(cfg *config.Config) (*Stores, error) {
	profile := cfg.Storage.Profile

	switch cfg.Storage.Driver {
	case "memory":
		return &Stores{Persistent: storage.NewMemory(), Scoped: storage.NewMemory()}, nil

	case "sqlite":
		db, err := storage.OpenSQLite(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return &Stores{
			Persistent: storage.NewPrefixed(db, profile+":"),
			Scoped:     storage.NewPrefixed(db, profile+":session:"),
			close:      db.Close,
		}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		prefix := "waitlist:profile:" + profile + ":"
		return &Stores{
			Persistent: storage.NewRedis(client, prefix, 0),
			Scoped:     storage.NewRedis(client, prefix+"session:", cfg.Storage.SessionTTL),
			close:      client.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// Open builds a visitor from config: the configured storage driver and an
// HTTP client for the backend.
func Open(cfg *config.Config, loc location.Location) (*Visitor, error) {
	stores, err := OpenStores(cfg)
	if err != nil {
		return nil, err
	}
	client := api.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout,
		api.WithBreaker(cfg.Backend.Breaker.MaxFailures, cfg.Backend.Breaker.OpenFor))

	v := New(Deps{Config: cfg, Stores: stores, Location: loc, Backend: client, Beacon: client, Identity: client})
	v.Client = client
	return v, nil
}
