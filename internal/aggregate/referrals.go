// Package aggregate keeps per-referral funnel counters in Redis hashes.
package aggregate

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/warehouse"
)

const (
	fieldEvents    = "events_count"
	fieldFirstSeen = "first_seen"
	fieldLastSeen  = "last_seen"
	fieldVisitors  = "unique_visitors"
)

// Referrals aggregates funnel events by referral code. The hash at
// referral:<code> holds one counter per event type.
type Referrals struct {
	redis *redis.Client
}

func NewReferrals(client *redis.Client) *Referrals {
	return &Referrals{redis: client}
}

func Key(code string) string {
	return "referral:" + code
}

func visitorsKey(code string) string {
	return Key(code) + ":visitors"
}

// Update counts row against its referral code. Rows without a code are
// ignored.
func (a *Referrals) Update(ctx context.Context, row warehouse.FunnelEventRow) error {
	if a.redis == nil || row.ReferralCode == "" {
		return nil
	}

	key := Key(row.ReferralCode)
	ts := row.Timestamp.UnixMilli()

	pipe := a.redis.Pipeline()
	pipe.HIncrBy(ctx, key, row.EventType, 1)
	pipe.HIncrBy(ctx, key, fieldEvents, 1)
	pipe.HSetNX(ctx, key, fieldFirstSeen, ts)
	pipe.HSet(ctx, key, fieldLastSeen, ts)
	if row.AnonymousID != "" {
		pipe.PFAdd(ctx, visitorsKey(row.ReferralCode), row.AnonymousID)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Error().Err(err).Str("referral_code", row.ReferralCode).Msg("Failed to update referral counters in Redis")
	}
	return err
}

// Counts returns the counters for code, including an approximate
// unique_visitors figure.
func (a *Referrals) Counts(ctx context.Context, code string) (map[string]int64, error) {
	data, err := a.redis.HGetAll(ctx, Key(code)).Result()
	if err != nil {
		return nil, err
	}
	counts := parseCounts(data)

	visitors, err := a.redis.PFCount(ctx, visitorsKey(code)).Result()
	if err != nil {
		return nil, err
	}
	if visitors > 0 {
		counts[fieldVisitors] = visitors
	}
	return counts, nil
}

func (a *Referrals) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// parseCounts keeps the integer counters of a referral hash and drops the
// timestamps.
func parseCounts(data map[string]string) map[string]int64 {
	counts := make(map[string]int64, len(data))
	for field, v := range data {
		if field == fieldFirstSeen || field == fieldLastSeen {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		counts[field] = n
	}
	return counts
}
