package app

import "github.com/gosight/gosight/waitlist/internal/storage"

// Stores is a visitor profile's persistent and session-scoped storage.
type Stores struct {
	Persistent storage.Port
	Scoped     storage.Port
	close      func() error
}

func (s *Stores) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}
