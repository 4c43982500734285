package storage

import "sync"

// Memory is a process-local Port. It is the fallback whenever a durable store
// is unavailable and the default session store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Prefixed namespaces every key of an underlying Port, letting one store hold
// several visitor profiles or separate persistent and session scopes.
type Prefixed struct {
	port   Port
	prefix string
}

func NewPrefixed(port Port, prefix string) *Prefixed {
	return &Prefixed{port: port, prefix: prefix}
}

func (p *Prefixed) Get(key string) (string, bool, error) {
	return p.port.Get(p.prefix + key)
}

func (p *Prefixed) Set(key, value string) error {
	return p.port.Set(p.prefix+key, value)
}

func (p *Prefixed) Remove(key string) error {
	return p.port.Remove(p.prefix + key)
}
