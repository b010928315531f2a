package tlscache

import (
	"context"
	"net/netip"
	"time"
)

// Memory is the in-process cache. It belongs to the master's reactor
// goroutine and does no locking.
type Memory struct {
	ttl        time.Duration
	maxEntries int
	entries    map[string]entry
	now        func() time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory creates a cache; zero arguments select the defaults.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		entries:    make(map[string]entry),
		now:        time.Now,
	}
}

func (m *Memory) Store(_ context.Context, id []byte, remote netip.Addr, data []byte) error {
	if err := check(id, data); err != nil {
		return err
	}
	k := string(id)
	if _, exists := m.entries[k]; !exists && len(m.entries) >= m.maxEntries {
		return ErrFull
	}
	m.entries[k] = entry{
		Remote:  remote.Unmap().String(),
		Data:    append([]byte(nil), data...),
		Expires: m.now().Add(m.ttl),
	}
	return nil
}

func (m *Memory) Fetch(_ context.Context, id []byte, remote netip.Addr) ([]byte, error) {
	e, ok := m.entries[string(id)]
	if !ok || !e.Expires.After(m.now()) {
		return nil, ErrNotFound
	}
	if !sameRemote(e, remote) {
		return nil, ErrRemoteMismatch
	}
	return append([]byte(nil), e.Data...), nil
}

func (m *Memory) Delete(_ context.Context, id []byte) error {
	delete(m.entries, string(id))
	return nil
}

func (m *Memory) Expire(context.Context) (int, error) {
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !e.Expires.After(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Len() int { return len(m.entries) }

func (m *Memory) Close() error {
	clear(m.entries)
	return nil
}
