package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on go-redis v9. Envelopes are JSON values with
// a redis-native TTL; hit counters live beside them under <key>:hits so that
// Get never has to rewrite the envelope.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects and pings; the caller decides whether to fall back
// to the in-memory store on error.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("cache: redis connected", "addr", addr, "db", db)
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Envelope, bool, error) {
	val, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var env Envelope
	if err := json.Unmarshal(val, &env); err != nil {
		// Poisoned value: drop it and report a miss so the caller refetches.
		s.rdb.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(env.ExpiresAt) {
		s.rdb.Del(ctx, key, key+":hits")
		return nil, false, nil
	}

	if hits, err := s.rdb.Get(ctx, key+":hits").Int64(); err == nil {
		env.HitCount = hits
	}
	return &env, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key, kind string, payload interface{}, ttlDays int) error {
	env, err := newEnvelope(kind, payload, ttlDays)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ttl := time.Duration(ttlDays) * 24 * time.Hour
	return s.rdb.Set(ctx, key, raw, ttl).Err()
}

func (s *RedisStore) IncrementHit(ctx context.Context, key string) {
	if err := s.rdb.Incr(ctx, key+":hits").Err(); err != nil {
		slog.Debug("cache: hit increment failed", "key", key, "error", err)
	}
}
