// Package redistest serves the handful of commands the state backends issue
// from an in-process map, so their TTL handling can be tested without a
// Redis server. Commands never reach the network: a process hook answers
// them before the client dials.
package redistest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type item struct {
	val     string
	expires time.Time // zero means no TTL
}

// Store is the keyspace behind a client returned by NewClient.
type Store struct {
	mu   sync.Mutex
	now  time.Time
	keys map[string]item
}

// NewClient returns a client whose commands are served by the returned Store.
func NewClient() (*redis.Client, *Store) {
	s := &Store{now: time.Unix(1_700_000_000, 0), keys: make(map[string]item)}
	c := redis.NewClient(&redis.Options{Addr: "redistest.invalid:6379"})
	c.AddHook(s)
	return c, s
}

// Now is the store's clock.
func (s *Store) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock; keys whose TTL ran out disappear.
func (s *Store) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

// Keys lists live keys in order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		if s.liveLocked(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// TTL reports the remaining lifetime of key, -1 for none and -2 when missing.
func (s *Store) TTL(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttlLocked(key)
}

func (s *Store) liveLocked(k string) bool {
	it, ok := s.keys[k]
	if !ok {
		return false
	}
	if !it.expires.IsZero() && !s.now.Before(it.expires) {
		delete(s.keys, k)
		return false
	}
	return true
}

func (s *Store) ttlLocked(k string) time.Duration {
	if !s.liveLocked(k) {
		return -2
	}
	it := s.keys[k]
	if it.expires.IsZero() {
		return -1
	}
	return it.expires.Sub(s.now)
}

func (s *Store) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, fmt.Errorf("redistest: no server at %s", addr)
	}
}

func (s *Store) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			if err := s.process(cmd); err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
		}
		return nil
	}
}

func (s *Store) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error { return s.process(cmd) }
}

func (s *Store) process(cmd redis.Cmder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	args := cmd.Args()

	switch c := cmd.(type) {
	case *redis.StatusCmd:
		if cmd.Name() != "set" || len(args) < 3 {
			break
		}
		it := item{val: str(args[2])}
		if len(args) == 5 {
			n, _ := args[4].(int64)
			switch args[3] {
			case "px":
				it.expires = s.now.Add(time.Duration(n) * time.Millisecond)
			case "ex":
				it.expires = s.now.Add(time.Duration(n) * time.Second)
			}
		}
		s.keys[str(args[1])] = it
		c.SetVal("OK")
		return nil

	case *redis.StringCmd:
		if cmd.Name() != "get" {
			break
		}
		k := str(args[1])
		if !s.liveLocked(k) {
			c.SetErr(redis.Nil)
			return redis.Nil
		}
		c.SetVal(s.keys[k].val)
		return nil

	case *redis.IntCmd:
		if cmd.Name() != "del" {
			break
		}
		var n int64
		for _, a := range args[1:] {
			k := str(a)
			if s.liveLocked(k) {
				delete(s.keys, k)
				n++
			}
		}
		c.SetVal(n)
		return nil

	case *redis.DurationCmd:
		if cmd.Name() != "ttl" {
			break
		}
		d := s.ttlLocked(str(args[1]))
		if d > 0 {
			d = d.Truncate(time.Second)
		}
		c.SetVal(d)
		return nil

	case *redis.ScanCmd:
		if cmd.Name() != "scan" {
			break
		}
		match := "*"
		for i := 2; i+1 < len(args); i += 2 {
			if args[i] == "match" {
				match = str(args[i+1])
			}
		}
		var page []string
		for k := range s.keys {
			if ok, _ := path.Match(match, k); ok && s.liveLocked(k) {
				page = append(page, k)
			}
		}
		sort.Strings(page)
		c.SetVal(page, 0)
		return nil
	}
	err := fmt.Errorf("redistest: unsupported command %v", args)
	cmd.SetErr(err)
	return err
}

func str(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return fmt.Sprint(v)
}
