package waitlist

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAccountExists      = errors.New("user already registered")
	ErrInvalidCredentials = errors.New("invalid login credentials")
)

// Accounts is an in-memory identity system. Seeded accounts have no
// password on record and accept any non-empty one.
type Accounts struct {
	mu        sync.RWMutex
	passwords map[string]string
}

func NewAccounts(seed []string) *Accounts {
	a := &Accounts{passwords: make(map[string]string, len(seed))}
	for _, email := range seed {
		a.passwords[NormalizeEmail(email)] = ""
	}
	return a
}

func (a *Accounts) Exists(email string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.passwords[NormalizeEmail(email)]
	return ok
}

func (a *Accounts) SignUp(_ context.Context, email, password string) error {
	if password == "" {
		return ErrInvalidCredentials
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	key := NormalizeEmail(email)
	if _, ok := a.passwords[key]; ok {
		return ErrAccountExists
	}
	a.passwords[key] = password
	return nil
}

func (a *Accounts) SignIn(_ context.Context, email, password string) error {
	if password == "" {
		return ErrInvalidCredentials
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	stored, ok := a.passwords[NormalizeEmail(email)]
	if !ok || (stored != "" && stored != password) {
		return ErrInvalidCredentials
	}
	return nil
}
