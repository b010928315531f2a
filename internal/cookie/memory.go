package cookie

import (
	"context"
	"time"
)

// Memory keeps cookies in process memory. It is owned by the reactor
// goroutine and not safe for concurrent use.
type Memory struct {
	key     []byte
	entries map[string]Entry
	now     func() time.Time
}

var _ DB = (*Memory)(nil)

// NewMemory creates an in-memory database with a random hashing key.
func NewMemory() (*Memory, error) {
	key, err := NewKey()
	if err != nil {
		return nil, err
	}
	return &Memory{key: key, entries: make(map[string]Entry), now: time.Now}, nil
}

func (m *Memory) Store(_ context.Context, cookie []byte, e Entry) error {
	h, err := hashCookie(m.key, cookie)
	if err != nil {
		return err
	}
	m.entries[h] = e
	return nil
}

func (m *Memory) Lookup(_ context.Context, cookie []byte) (Entry, error) {
	h, err := hashCookie(m.key, cookie)
	if err != nil {
		return Entry{}, err
	}
	e, ok := m.entries[h]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if !e.Expires.After(m.now()) {
		delete(m.entries, h)
		return Entry{}, ErrExpired
	}
	return e, nil
}

func (m *Memory) Expire(context.Context) (int, error) {
	now := m.now()
	n := 0
	for h, e := range m.entries {
		if !e.Expires.After(now) {
			delete(m.entries, h)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Erase() {
	zero(m.key)
	m.key = nil
	clear(m.entries)
}

// Len is the number of stored cookies.
func (m *Memory) Len() int { return len(m.entries) }

func (m *Memory) Close() error {
	m.Erase()
	return nil
}
