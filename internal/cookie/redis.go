package cookie

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/vpnd/internal/obs"
)

const redisPrefix = "vpnd:cookie:"

// Redis shares cookies between master instances. Every instance must be
// configured with the same key for lookups to succeed across instances.
type Redis struct {
	client *redis.Client
	key    []byte
	now    func() time.Time
}

var _ DB = (*Redis)(nil)

// NewRedis wraps an already connected client. key must be 32 bytes.
func NewRedis(client *redis.Client, key []byte) (*Redis, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	return &Redis{client: client, key: append([]byte(nil), key...), now: time.Now}, nil
}

func (r *Redis) Store(ctx context.Context, cookie []byte, e Entry) error {
	h, err := hashCookie(r.key, cookie)
	if err != nil {
		return err
	}
	ttl := e.Expires.Sub(r.now())
	if ttl <= 0 {
		return ErrExpired
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cookie entry: %w", err)
	}
	if err := r.client.Set(ctx, redisPrefix+h, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, cookie []byte) (Entry, error) {
	h, err := hashCookie(r.key, cookie)
	if err != nil {
		return Entry{}, err
	}
	val, err := r.client.Get(ctx, redisPrefix+h).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("redis get failed: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal cookie entry: %w", err)
	}
	if !e.Expires.After(r.now()) {
		return Entry{}, ErrExpired
	}
	return e, nil
}

// Expire relies on key TTLs and only sweeps entries that lost theirs.
func (r *Redis) Expire(ctx context.Context) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, redisPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		ttl, err := r.client.TTL(ctx, k).Result()
		if err != nil {
			obs.Error("redis.cookie.ttl", obs.Fields{"err": err, "key": k})
			continue
		}
		if ttl >= 0 {
			continue
		}
		if err := r.client.Del(ctx, k).Err(); err != nil {
			obs.Error("redis.cookie.del", obs.Fields{"err": err, "key": k})
			continue
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan failed: %w", err)
	}
	return removed, nil
}

func (r *Redis) Erase() {
	zero(r.key)
	r.key = nil
}

func (r *Redis) Close() error {
	r.Erase()
	return r.client.Close()
}
