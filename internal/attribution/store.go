// Package attribution keeps the single pending referral a visitor arrived
// with, until a signup consumes it or it goes stale.
package attribution

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/storage"
)

// DefaultTTL is how long a captured referral stays attributable.
const DefaultTTL = 7 * 24 * time.Hour

// PendingReferral is the persisted attribution record.
type PendingReferral struct {
	Code         string `json:"code"`
	CapturedAtMs int64  `json:"capturedAtMs"`
	Consumed     bool   `json:"consumed"`
}

// CapturedAt returns the capture time.
func (p PendingReferral) CapturedAt() time.Time {
	return time.UnixMilli(p.CapturedAtMs)
}

// Store reads and writes the PendingReferral through a storage port. Storage
// and decoding failures are logged and absorbed; no method returns an error.
type Store struct {
	port storage.Port
	ttl  time.Duration
	now  func() time.Time
}

type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore wraps port in a memory fallback so a broken store never takes
// attribution down with it.
func NewStore(port storage.Port, opts ...Option) *Store {
	if _, ok := port.(*storage.Fallback); !ok {
		port = storage.WithFallback(port)
	}
	s := &Store{port: port, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the attribution window.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Get returns the stored record, or nil when absent or unreadable.
func (s *Store) Get() *PendingReferral {
	raw, ok, err := s.port.Get(storage.KeyPendingReferral)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read pending referral")
		return nil
	}
	if !ok || raw == "" {
		return nil
	}

	var p PendingReferral
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		log.Warn().Err(err).Str("value", raw).Msg("Discarding malformed pending referral")
		return nil
	}
	if p.Code == "" {
		log.Warn().Str("value", raw).Msg("Discarding pending referral without code")
		return nil
	}
	return &p
}

// Set records code as the pending referral, replacing any previous one and
// resetting its capture time.
func (s *Store) Set(code string) {
	s.write(PendingReferral{Code: code, CapturedAtMs: s.now().UnixMilli()})
}

// MarkConsumed flags the current record as used by a signup. No-op when no
// record exists.
func (s *Store) MarkConsumed() {
	p := s.Get()
	if p == nil {
		return
	}
	p.Consumed = true
	s.write(*p)
}

// MarkConsumedIf flags the record as used only when it still holds code.
// It reports whether the record was flipped.
func (s *Store) MarkConsumedIf(code string) bool {
	p := s.Get()
	if p == nil || code == "" || p.Code != code {
		return false
	}
	p.Consumed = true
	s.write(*p)
	return true
}

// Clear removes the record.
func (s *Store) Clear() {
	if err := s.port.Remove(storage.KeyPendingReferral); err != nil {
		log.Warn().Err(err).Msg("Failed to clear pending referral")
	}
}

// IsActive reports whether the stored referral may still be attributed: it
// exists, is unconsumed, is within the TTL, and no identity has been bound
// on this installation yet.
func (s *Store) IsActive() bool {
	p := s.Get()
	if p == nil {
		return false
	}
	return s.Active(*p)
}

// Active evaluates the activity rule against an already loaded record.
func (s *Store) Active(p PendingReferral) bool {
	if p.Consumed {
		return false
	}
	if s.Expired(p) {
		return false
	}
	return !s.identityBound()
}

// Expired reports whether p is older than the TTL.
func (s *Store) Expired(p PendingReferral) bool {
	return s.now().Sub(p.CapturedAt()) > s.ttl
}

func (s *Store) identityBound() bool {
	v, ok, err := s.port.Get(storage.KeyUserID)
	if err != nil {
		return false
	}
	return ok && strings.TrimSpace(v) != ""
}

func (s *Store) write(p PendingReferral) {
	data, err := json.Marshal(p)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode pending referral")
		return
	}
	if err := s.port.Set(storage.KeyPendingReferral, string(data)); err != nil {
		log.Warn().Err(err).Str("code", p.Code).Msg("Failed to persist pending referral")
	}
}
