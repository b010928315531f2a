package registry

import (
	"errors"
	"net/netip"
	"testing"
)

func rec(pid int, sid string) *Record {
	r := NewRecord(pid, pid+100, netip.MustParseAddrPort("192.0.2.1:4000"))
	if sid != "" {
		r.SessionID = []byte(sid)
	}
	return r
}

func TestRegistry_AddRemoveKeepsActiveCount(t *testing.T) {
	g := New()
	a, b, c := rec(1, ""), rec(2, ""), rec(3, "")
	g.Add(a)
	g.Add(b)
	g.Add(c)
	if g.Active() != 3 || g.Len() != 3 {
		t.Fatalf("active=%d len=%d", g.Active(), g.Len())
	}
	if err := g.Remove(b); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if b.PID != Invalid || b.FD != Invalid {
		t.Fatalf("tombstone not written: pid=%d fd=%d", b.PID, b.FD)
	}
	if err := g.Remove(b); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: expected ErrNotFound, got %v", err)
	}
	if g.Active() != 2 {
		t.Fatalf("active=%d, want 2", g.Active())
	}
	live := 0
	for _, r := range g.Records() {
		if r == b {
			t.Fatal("removed record still listed")
		}
		if r.Alive() {
			live++
		}
	}
	if live != g.Active() {
		t.Fatalf("live=%d active=%d", live, g.Active())
	}
}

func TestRegistry_RemoveDuringIteration(t *testing.T) {
	g := New()
	for i := 1; i <= 5; i++ {
		g.Add(rec(i, ""))
	}
	for _, r := range g.Records() {
		if r.PID%2 == 1 {
			_ = g.Remove(r)
		}
	}
	if g.Len() != 2 || g.Active() != 2 {
		t.Fatalf("len=%d active=%d", g.Len(), g.Active())
	}
	got := g.Records()
	if got[0].PID != 2 || got[1].PID != 4 {
		t.Fatalf("order not preserved: %d %d", got[0].PID, got[1].PID)
	}
}

func TestRegistry_ActiveNeverNegative(t *testing.T) {
	g := New()
	r := rec(1, "")
	g.Add(r)
	_ = g.Remove(r)
	_ = g.Remove(r)
	if g.Active() != 0 {
		t.Fatalf("active=%d", g.Active())
	}
}

func TestRegistry_FindAwaitingUDP(t *testing.T) {
	g := New()
	noSID := rec(1, "")
	first := rec(2, "session-a")
	dup := rec(3, "session-a")
	other := rec(4, "session-b")
	for _, r := range []*Record{noSID, first, dup, other} {
		g.Add(r)
	}

	got, err := g.FindAwaitingUDP([]byte("session-a"))
	if err != nil || got != first {
		t.Fatalf("expected first registration, got %v %v", got, err)
	}
	first.UDPFdReceived = true
	got, err = g.FindAwaitingUDP([]byte("session-a"))
	if err != nil || got != dup {
		t.Fatalf("expected duplicate after first was served, got %v %v", got, err)
	}
	if _, err := g.FindAwaitingUDP([]byte("session-")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("prefix must not match, got %v", err)
	}
	if _, err := g.FindAwaitingUDP(nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("record without session id must not match empty probe, got %v", err)
	}
}

func TestRegistry_ByPIDAndRemoteIPs(t *testing.T) {
	g := New()
	a := rec(10, "")
	b := NewRecord(11, 111, netip.MustParseAddrPort("[::ffff:198.51.100.7]:5000"))
	g.Add(a)
	g.Add(b)
	if got, err := g.ByPID(11); err != nil || got != b {
		t.Fatalf("ByPID: %v %v", got, err)
	}
	ips := g.RemoteIPs()
	if !ips["192.0.2.1"] || !ips["198.51.100.7"] {
		t.Fatalf("unexpected ips %v", ips)
	}
}
