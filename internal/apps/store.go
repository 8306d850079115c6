package apps

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value   T
	expires time.Time
}

// store is a locked map whose entries optionally expire.
type store[T any] struct {
	mutex sync.RWMutex
	store map[string]entry[T]
	now   func() time.Time
}

func newStore[T any]() *store[T] {
	return &store[T]{
		store: make(map[string]entry[T]),
		now:   time.Now,
	}
}

// Set stores value under key. A zero ttl never expires.
func (s *store[T]) Set(key string, value T, ttl time.Duration) {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	e := entry[T]{value: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.store[key] = e
}

func (s *store[T]) Read(key string) (T, bool) {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	var zeroValue T

	e, exists := s.store[key]
	if !exists {
		return zeroValue, false
	}
	if !e.expires.IsZero() && s.now().After(e.expires) {
		return zeroValue, false
	}
	return e.value, true
}

func (s *store[T]) Delete(key string) {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	delete(s.store, key)
}

func (s *store[T]) Len() int {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return len(s.store)
}
