// Package warehouse writes funnel events to ClickHouse.
package warehouse

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/gosight/gosight/waitlist/internal/config"
)

// Schema creates the funnel_events table when missing. Batches re-sent after
// a partial ingest failure carry the same client event ids; the replacing
// engine collapses those rows on merge (query with FINAL for exact counts).
const Schema = `
CREATE TABLE IF NOT EXISTS funnel_events (
	event_id        String,
	event_type      LowCardinality(String),
	anonymous_id    String,
	user_id         String,
	timestamp       DateTime64(3),
	server_time     DateTime64(3),
	referral_code   String,
	utm_source      String,
	utm_medium      String,
	utm_campaign    String,
	browser         LowCardinality(String),
	browser_version String,
	os              LowCardinality(String),
	device_type     LowCardinality(String),
	country         LowCardinality(String),
	city            String,
	metadata        String
) ENGINE = ReplacingMergeTree(server_time)
PARTITION BY toYYYYMM(timestamp)
ORDER BY (event_type, anonymous_id, timestamp, event_id)
`

type ClickHouse struct {
	conn driver.Conn
}

// FunnelEventRow represents a row in the funnel_events table
type FunnelEventRow struct {
	EventID        string
	EventType      string
	AnonymousID    string
	UserID         string
	Timestamp      time.Time
	ServerTime     time.Time
	ReferralCode   string
	UTMSource      string
	UTMMedium      string
	UTMCampaign    string
	Browser        string
	BrowserVersion string
	OS             string
	DeviceType     string
	Country        string
	City           string
	Metadata       string
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	return &ClickHouse{conn: conn}, nil
}

func (c *ClickHouse) EnsureSchema(ctx context.Context) error {
	return c.conn.Exec(ctx, Schema)
}

func (c *ClickHouse) InsertFunnelEvents(ctx context.Context, rows []FunnelEventRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO funnel_events (
			event_id, event_type, anonymous_id, user_id, timestamp, server_time,
			referral_code, utm_source, utm_medium, utm_campaign,
			browser, browser_version, os, device_type,
			country, city, metadata
		)
	`)
	if err != nil {
		return err
	}

	for _, r := range rows {
		err := batch.Append(
			r.EventID, r.EventType, r.AnonymousID, r.UserID, r.Timestamp, r.ServerTime,
			r.ReferralCode, r.UTMSource, r.UTMMedium, r.UTMCampaign,
			r.Browser, r.BrowserVersion, r.OS, r.DeviceType,
			r.Country, r.City, r.Metadata,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
