package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/vpnd/internal/cookie"
	"github.com/matst80/vpnd/internal/obs"
	"github.com/matst80/vpnd/internal/tlscache"
)

// newBackends creates the cookie database and TLS session cache, either
// in-memory or Redis-backed depending on configuration.
func newBackends(cfg Config) (cookie.DB, tlscache.Cache, error) {
	ttl := time.Duration(cfg.TLSSessionTTL) * time.Second
	if cfg.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		db, err := cookie.NewMemory()
		if err != nil {
			return nil, nil, err
		}
		return db, tlscache.NewMemory(ttl, cfg.TLSCacheSize), nil
	}

	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	key, err := cookieKey(cfg.CookieKey)
	if err != nil {
		return nil, nil, err
	}
	rdb, err := dialRedis(cfg)
	if err != nil {
		return nil, nil, err
	}
	db, err := cookie.NewRedis(rdb, key)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	// separate client so closing one backend leaves the other usable
	rdb2, err := dialRedis(cfg)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, tlscache.NewRedis(rdb2, ttl), nil
}

func dialRedis(cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// cookieKey decodes the configured hex key, or generates one when unset.
// A generated key means cookies issued here are not valid on other
// instances sharing the same Redis.
func cookieKey(s string) ([]byte, error) {
	if s == "" {
		obs.Warn("cookie.key_generated", obs.Fields{"shared": false})
		return cookie.NewKey()
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cookie_key: %w", err)
	}
	if len(key) != cookie.Size {
		return nil, fmt.Errorf("cookie_key: %w", cookie.ErrKeySize)
	}
	return key, nil
}
