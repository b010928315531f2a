package tlscache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "vpnd:tls:"

// Redis stores resumption data in Redis so a client may resume against any
// master sharing the same instance. Expiry is left to key TTLs.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Cache = (*Redis)(nil)

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func redisKey(id []byte) string { return redisPrefix + hex.EncodeToString(id) }

func (r *Redis) Store(ctx context.Context, id []byte, remote netip.Addr, data []byte) error {
	if err := check(id, data); err != nil {
		return err
	}
	b, err := json.Marshal(entry{Remote: remote.Unmap().String(), Data: data, Expires: time.Now().Add(r.ttl)})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(id), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Fetch(ctx context.Context, id []byte, remote netip.Addr) ([]byte, error) {
	if err := check(id, nil); err != nil {
		return nil, ErrNotFound
	}
	val, err := r.client.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var e entry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if !sameRemote(e, remote) {
		return nil, ErrRemoteMismatch
	}
	return e.Data, nil
}

func (r *Redis) Delete(ctx context.Context, id []byte) error {
	if err := r.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (r *Redis) Expire(context.Context) (int, error) { return 0, nil }

func (r *Redis) Close() error { return r.client.Close() }
