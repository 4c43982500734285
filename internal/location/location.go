// Package location abstracts the page address the referral resolver reads
// and rewrites.
package location

import (
	"net/url"
	"sync"
)

// Location is the visible page address. Replace must change it without a
// reload, the way history.replaceState does.
type Location interface {
	URL() *url.URL
	Replace(u *url.URL)
}

// Static is an in-process Location used by the CLI and tests. It keeps the
// sequence of replaced addresses.
type Static struct {
	mu      sync.Mutex
	current *url.URL
	history []string
}

// Parse builds a Static location from a raw URL or path.
func Parse(raw string) (*Static, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Static{current: u}, nil
}

func (s *Static) URL() *url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := *s.current
	return &u
}

func (s *Static) Replace(u *url.URL) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *u
	s.current = &next
	s.history = append(s.history, next.String())
}

// Replaced returns every address passed to Replace, oldest first.
func (s *Static) Replaced() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}
