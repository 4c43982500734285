package waitlist

import (
	"context"
	"sync"
)

type memoryEntry struct {
	Entry
	code       string
	position   int
	referredBy string
}

// Memory keeps the waitlist in process memory.
type Memory struct {
	mu      sync.Mutex
	ordered []*memoryEntry
	byEmail map[string]*memoryEntry
	byCode  map[string]*memoryEntry
	credits map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		byEmail: make(map[string]*memoryEntry),
		byCode:  make(map[string]*memoryEntry),
		credits: make(map[string]int),
	}
}

func (m *Memory) Join(_ context.Context, e Entry) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := NormalizeEmail(e.Email)
	if existing, ok := m.byEmail[email]; ok {
		if e.Name != "" {
			existing.Name = e.Name
		}
		return Result{ReferralCode: existing.code, Position: existing.position, Total: len(m.ordered), Existing: true}, nil
	}

	code := newCode()
	for m.byCode[code] != nil {
		code = newCode()
	}

	entry := &memoryEntry{Entry: e, code: code, position: len(m.ordered) + 1}
	entry.Email = email
	if ref, ok := m.byCode[e.ReferredBy]; ok && ref.Email != email {
		entry.referredBy = ref.code
		m.credits[ref.code]++
	}

	m.ordered = append(m.ordered, entry)
	m.byEmail[email] = entry
	m.byCode[code] = entry

	return Result{ReferralCode: code, Position: entry.position, Total: len(m.ordered)}, nil
}

func (m *Memory) Stats(_ context.Context, code string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.byCode[code]
	if !ok {
		return Stats{}, ErrUnknownCode
	}
	return Stats{Code: code, Referrals: m.credits[code], Position: entry.position, Total: len(m.ordered)}, nil
}

func (m *Memory) Close() {}
