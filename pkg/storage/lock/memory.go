package lock

import (
	"context"
	"sync"
)

// MemoryBackend keeps locks in process memory. Locks do not survive a restart.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]string
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{locks: make(map[string]string)}
}

func (m *MemoryBackend) TryAcquire(_ context.Context, name, token string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[name]; ok {
		return held, false, nil
	}
	m.locks[name] = token
	return token, true, nil
}

func (m *MemoryBackend) Peek(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[name], nil
}

func (m *MemoryBackend) Remove(_ context.Context, name, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.locks[name]
	if !ok || (token != "" && held != token) {
		return false, nil
	}
	delete(m.locks, name)
	return true, nil
}

func (m *MemoryBackend) Close() error { return nil }
