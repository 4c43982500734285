package funnel

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/waitlist/internal/storage"
)

// Session owns the visitor's identifiers for the life of a page or process.
// anonymousID is generated once per installation; userID is bound at most
// once; utm is captured on first sight within the session scope.
type Session struct {
	persistent storage.Port
	scoped     storage.Port

	mu          sync.Mutex
	anonymousID string
	userID      string
	utm         *UTM
}

// NewSession loads or creates the visitor identity. persistent outlives the
// session (localStorage); scoped is the short-lived session store
// (sessionStorage). Both degrade to memory when unavailable.
func NewSession(persistent, scoped storage.Port) *Session {
	s := &Session{
		persistent: ensureFallback(persistent),
		scoped:     ensureFallback(scoped),
	}

	if v, ok, _ := s.persistent.Get(storage.KeyAnonymousID); ok && v != "" {
		s.anonymousID = v
	} else {
		s.anonymousID = uuid.NewString()
		if err := s.persistent.Set(storage.KeyAnonymousID, s.anonymousID); err != nil {
			log.Warn().Err(err).Msg("Failed to persist anonymous id")
		}
	}

	if v, ok, _ := s.persistent.Get(storage.KeyUserID); ok {
		s.userID = strings.TrimSpace(v)
	}

	if raw, ok, _ := s.scoped.Get(storage.KeyUTM); ok && raw != "" {
		var u UTM
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			log.Warn().Err(err).Str("value", raw).Msg("Discarding malformed UTM record")
		} else if !u.IsZero() {
			s.utm = &u
		}
	}

	return s
}

func ensureFallback(p storage.Port) storage.Port {
	if f, ok := p.(*storage.Fallback); ok {
		return f
	}
	return storage.WithFallback(p)
}

func (s *Session) AnonymousID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anonymousID
}

// UserID returns the bound identity, or "" while anonymous.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// BindUser merges the anonymous session into id. The first bind wins; later
// calls return false and change nothing.
func (s *Session) BindUser(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userID != "" {
		if s.userID != id {
			log.Debug().Str("bound", s.userID).Str("ignored", id).Msg("Identity already bound")
		}
		return false
	}
	s.userID = id
	if err := s.persistent.Set(storage.KeyUserID, id); err != nil {
		log.Warn().Err(err).Msg("Failed to persist user id")
	}
	return true
}

// CaptureUTM records utm_source/utm_medium/utm_campaign from q the first
// time any of them is seen in this session. It reports whether a capture
// happened.
func (s *Session) CaptureUTM(q url.Values) bool {
	u := UTM{
		Source:   strings.TrimSpace(q.Get("utm_source")),
		Medium:   strings.TrimSpace(q.Get("utm_medium")),
		Campaign: strings.TrimSpace(q.Get("utm_campaign")),
	}
	if u.IsZero() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.utm != nil {
		return false
	}
	s.utm = &u

	data, err := json.Marshal(u)
	if err != nil {
		return true
	}
	if err := s.scoped.Set(storage.KeyUTM, string(data)); err != nil {
		log.Warn().Err(err).Msg("Failed to persist UTM")
	}
	return true
}

// UTM returns a copy of the captured parameters, or nil.
func (s *Session) UTM() *UTM {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.utm == nil {
		return nil
	}
	u := *s.utm
	return &u
}
