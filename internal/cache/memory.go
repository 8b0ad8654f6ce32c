package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by tests and as the fallback when
// redis is unreachable. Expired envelopes are purged lazily on read.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Envelope)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Envelope, bool, error) {
	s.mu.RLock()
	env, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(env.ExpiresAt) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	out := *env
	return &out, true, nil
}

func (s *MemoryStore) Put(ctx context.Context, key, kind string, payload interface{}, ttlDays int) error {
	env, err := newEnvelope(kind, payload, ttlDays)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = env
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IncrementHit(ctx context.Context, key string) {
	s.mu.Lock()
	if env, ok := s.data[key]; ok {
		env.HitCount++
	}
	s.mu.Unlock()
}
