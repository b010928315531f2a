//go:build linux

package listen

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"golang.org/x/sys/unix"
)

func bindLoopback(t *testing.T) *Set {
	t.Helper()
	s, err := BindAll(context.Background(), nil, "127.0.0.1", 0, 0)
	if err != nil {
		t.Fatalf("BindAll: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestBindAll_Loopback(t *testing.T) {
	s := bindLoopback(t)
	ls := s.Listeners()
	if len(ls) != 2 {
		t.Fatalf("expected tcp and udp listener, got %d", len(ls))
	}
	if !ls[0].Stream() || ls[1].Stream() {
		t.Fatalf("expected stream first then datagram, got %s %s", ls[0], ls[1])
	}
	for _, l := range ls {
		if l.Family != unix.AF_INET {
			t.Errorf("%s: family %d", l, l.Family)
		}
		if AddrPort(l.Addr).Port() == 0 {
			t.Errorf("%s: bound port not recorded", l)
		}
		flags, err := unix.FcntlInt(uintptr(l.FD), unix.F_GETFD, 0)
		if err != nil {
			t.Fatalf("fcntl: %v", err)
		}
		if flags&unix.FD_CLOEXEC == 0 {
			t.Errorf("%s: descriptor survives exec", l)
		}
	}
}

func TestReopen_PreservesIdentity(t *testing.T) {
	s := bindLoopback(t)
	udp := s.Listeners()[1]
	before := *udp
	oldAddr := AddrPort(udp.Addr)

	if err := Reopen(udp); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if udp.FD < 0 {
		t.Fatal("listener unusable after reopen")
	}
	if udp.Family != before.Family || udp.Type != before.Type || udp.Proto != before.Proto {
		t.Fatalf("identity changed: %+v -> %+v", before, *udp)
	}
	sa, err := unix.Getsockname(udp.FD)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	if got := AddrPort(sa); got != oldAddr {
		t.Fatalf("rebound to %s, want %s", got, oldAddr)
	}

	// a second cycle must also bind cleanly
	if err := Reopen(udp); err != nil {
		t.Fatalf("second Reopen: %v", err)
	}
}

func TestReopen_WhileOldSocketStillOpen(t *testing.T) {
	s := bindLoopback(t)
	udp := s.Listeners()[1]
	handed, err := unix.Dup(udp.FD)
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	defer unix.Close(handed)

	if err := Reopen(udp); err != nil {
		t.Fatalf("Reopen with a live copy elsewhere: %v", err)
	}
}

func TestReopen_RejectsStream(t *testing.T) {
	s := bindLoopback(t)
	if err := Reopen(s.Listeners()[0]); !errors.Is(err, ErrNotDatagram) {
		t.Fatalf("expected ErrNotDatagram, got %v", err)
	}
}

type failingResolver struct{}

func (failingResolver) LookupNetIP(context.Context, string, string) ([]netip.Addr, error) {
	return nil, errors.New("no such host")
}

func TestBindAll_ResolveFailure(t *testing.T) {
	_, err := BindAll(context.Background(), failingResolver{}, "vpn.invalid", 0, 0)
	if !errors.Is(err, ErrResolve) {
		t.Fatalf("expected ErrResolve, got %v", err)
	}
}

func TestSockaddrRoundTrip(t *testing.T) {
	for _, s := range []string{"192.0.2.10:443", "[2001:db8::1]:8443"} {
		ap := netip.MustParseAddrPort(s)
		if got := AddrPort(Sockaddr(ap)); got != ap {
			t.Errorf("%s -> %s", ap, got)
		}
	}
}
