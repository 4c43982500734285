package storage

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const probeKey = "__waitlist_probe__"

// Fallback wraps a primary Port and switches permanently to an in-memory
// store the first time the primary fails. Callers never see storage errors.
type Fallback struct {
	mu       sync.Mutex
	primary  Port
	memory   *Memory
	degraded bool
}

// WithFallback probes primary with a write/remove round trip. A nil primary
// or a failed probe starts the wrapper already degraded.
func WithFallback(primary Port) *Fallback {
	f := &Fallback{primary: primary, memory: NewMemory()}
	if primary == nil {
		f.degraded = true
		return f
	}
	if err := primary.Set(probeKey, "1"); err != nil {
		f.degrade(err)
		return f
	}
	if err := primary.Remove(probeKey); err != nil {
		f.degrade(err)
	}
	return f
}

// Degraded reports whether the wrapper is running on the memory store.
func (f *Fallback) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *Fallback) degrade(err error) {
	if f.degraded {
		return
	}
	f.degraded = true
	log.Warn().Err(err).Msg("Persistent storage unavailable, continuing in memory")
}

func (f *Fallback) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		v, ok, err := f.primary.Get(key)
		if err == nil {
			return v, ok, nil
		}
		f.degrade(err)
	}
	return f.memory.Get(key)
}

func (f *Fallback) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		err := f.primary.Set(key, value)
		if err == nil {
			return nil
		}
		f.degrade(err)
	}
	return f.memory.Set(key, value)
}

func (f *Fallback) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.degraded {
		err := f.primary.Remove(key)
		if err == nil {
			return nil
		}
		f.degrade(err)
	}
	return f.memory.Remove(key)
}
