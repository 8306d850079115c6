package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value   string
	expires time.Time
}

// Memory keeps entries in process and sweeps expired ones periodically.
type Memory struct {
	mutex   sync.RWMutex
	entries map[string]memoryEntry
	stop    chan struct{}
	once    sync.Once
}

func NewMemory(sweepInterval time.Duration) *Memory {
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	m := &Memory{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}

	go m.sweep(sweepInterval)

	return m
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mutex.RLock()

	defer m.mutex.RUnlock()

	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores value. A non-positive ttl keeps it until deleted.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mutex.Lock()

	defer m.mutex.Unlock()

	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.entries[key] = e

	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mutex.Lock()

	defer m.mutex.Unlock()

	delete(m.entries, key)

	return nil
}

func (m *Memory) Close() error {
	m.once.Do(func() {
		close(m.stop)
	})
	return nil
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mutex.Lock()

			for key, e := range m.entries {
				if e.expired(now) {
					delete(m.entries, key)
				}
			}
			m.mutex.Unlock()
		}
	}
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}
