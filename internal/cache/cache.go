// Package cache provides the keyed blob cache consulted by the search
// pipeline: per-query bulk result sets and per-profile detail envelopes.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope kinds.
const (
	KindSearch       = "search"
	KindPerson       = "person"
	KindVerification = "verification"
)

// Envelope wraps a cached payload. A read past ExpiresAt is a miss.
type Envelope struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	HitCount  int64           `json:"hit_count"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Store is the cache surface. Implementations: RedisStore for deployments,
// MemoryStore for tests and redis-down fallback.
type Store interface {
	// Get returns the envelope for key, or ok=false on miss or expiry.
	Get(ctx context.Context, key string) (*Envelope, bool, error)
	// Put marshals payload and overwrites or inserts under key.
	Put(ctx context.Context, key, kind string, payload interface{}, ttlDays int) error
	// IncrementHit bumps the hit counter. Best-effort.
	IncrementHit(ctx context.Context, key string)
}

func newEnvelope(kind string, payload interface{}, ttlDays int) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Envelope{
		Kind:      kind,
		Payload:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttlDays) * 24 * time.Hour),
	}, nil
}
