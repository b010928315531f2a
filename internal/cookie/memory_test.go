package cookie

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestMemory(t *testing.T, now time.Time) *Memory {
	t.Helper()
	m, err := NewMemory()
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	m.now = func() time.Time { return now }
	return m
}

func TestMemory_StoreLookup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := newTestMemory(t, now)
	ctx := context.Background()

	c, err := New()
	if err != nil || len(c) != Size {
		t.Fatalf("New: %d %v", len(c), err)
	}
	want := Entry{User: "alice", Remote: "198.51.100.7", Expires: now.Add(time.Minute)}
	if err := m.Store(ctx, c, want); err != nil {
		t.Fatalf("Store: %v", err)
	}
	got, err := m.Lookup(ctx, c)
	if err != nil || got.User != want.User || got.Remote != want.Remote {
		t.Fatalf("Lookup = %+v, %v", got, err)
	}

	other, _ := New()
	if _, err := m.Lookup(ctx, other); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown cookie: expected ErrNotFound, got %v", err)
	}
}

func TestMemory_NotStoredInClear(t *testing.T) {
	m := newTestMemory(t, time.Now())
	c, _ := New()
	_ = m.Store(context.Background(), c, Entry{User: "bob", Expires: time.Now().Add(time.Hour)})
	clearHex := fmt.Sprintf("%x", c)
	for k := range m.entries {
		if strings.Contains(k, clearHex) {
			t.Fatal("cookie stored in the clear")
		}
	}
}

func TestMemory_Expire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := newTestMemory(t, now)
	ctx := context.Background()

	stale, _ := New()
	fresh, _ := New()
	_ = m.Store(ctx, stale, Entry{User: "old", Expires: now.Add(-time.Second)})
	_ = m.Store(ctx, fresh, Entry{User: "new", Expires: now.Add(time.Hour)})

	n, err := m.Expire(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Expire = %d, %v; want 1", n, err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
	if _, err := m.Lookup(ctx, stale); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale cookie: %v", err)
	}
}

func TestMemory_LookupExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := newTestMemory(t, now)
	c, _ := New()
	_ = m.Store(context.Background(), c, Entry{Expires: now})
	if _, err := m.Lookup(context.Background(), c); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if m.Len() != 0 {
		t.Fatal("expired entry kept after lookup")
	}
}

func TestMemory_Erase(t *testing.T) {
	m := newTestMemory(t, time.Now())
	key := m.key
	c, _ := New()
	_ = m.Store(context.Background(), c, Entry{Expires: time.Now().Add(time.Hour)})

	m.Erase()
	for _, b := range key {
		if b != 0 {
			t.Fatal("key not zeroed")
		}
	}
	if m.Len() != 0 {
		t.Fatal("entries survived Erase")
	}
	if _, err := m.Lookup(context.Background(), c); !errors.Is(err, ErrErased) {
		t.Fatalf("expected ErrErased, got %v", err)
	}
}
