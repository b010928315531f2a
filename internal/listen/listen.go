//go:build linux

// Package listen owns the master's bound TCP and UDP sockets. Sockets are
// raw descriptors so the reactor can poll them and the UDP ones can be handed
// to workers with SCM_RIGHTS.
package listen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/obs"
)

// Backlog is the listen(2) queue length of stream listeners.
const Backlog = 10

var (
	ErrResolve     = errors.New("listen: address resolution failed")
	ErrListen      = errors.New("listen: listen() failed")
	ErrNoSockets   = errors.New("listen: no usable address")
	ErrNotDatagram = errors.New("listen: only datagram listeners can be reopened")
)

// Listener is one bound socket.
type Listener struct {
	FD     int
	Family int
	Type   int // unix.SOCK_STREAM or unix.SOCK_DGRAM
	Proto  int
	Addr   unix.Sockaddr // address actually bound
}

// Stream reports whether l accepts connections.
func (l *Listener) Stream() bool { return l.Type == unix.SOCK_STREAM }

func (l *Listener) String() string {
	kind := "udp"
	if l.Stream() {
		kind = "tcp"
	}
	return kind + "/" + AddrPort(l.Addr).String()
}

// Set is the ordered collection of listeners.
type Set struct {
	items []*Listener
}

// Listeners returns the listeners in bind order.
func (s *Set) Listeners() []*Listener { return s.items }

// Close closes every listener.
func (s *Set) Close() {
	for _, l := range s.items {
		if l.FD >= 0 {
			_ = unix.Close(l.FD)
			l.FD = -1
		}
	}
}

// Resolver resolves a host name to addresses. net.DefaultResolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// BindAll binds node:tcpPort for stream sockets and node:udpPort for datagram
// sockets. An empty node binds the wildcard addresses of both families.
// Individual socket/setsockopt/bind failures skip that address; resolution
// and listen failures abort.
func BindAll(ctx context.Context, r Resolver, node string, tcpPort, udpPort int) (*Set, error) {
	addrs, err := resolve(ctx, r, node)
	if err != nil {
		return nil, err
	}
	s := &Set{}
	for _, typ := range []int{unix.SOCK_STREAM, unix.SOCK_DGRAM} {
		port := tcpPort
		if typ == unix.SOCK_DGRAM {
			port = udpPort
		}
		for _, a := range addrs {
			l, err := bindOne(netip.AddrPortFrom(a, uint16(port)), typ)
			if err != nil {
				if errors.Is(err, ErrListen) {
					s.Close()
					return nil, err
				}
				obs.Error("listen.bind", obs.Fields{"addr": netip.AddrPortFrom(a, uint16(port)).String(), "err": err})
				continue
			}
			obs.Info("listen.ready", obs.Fields{"listener": l.String()})
			s.items = append(s.items, l)
		}
	}
	if len(s.items) == 0 {
		return nil, ErrNoSockets
	}
	return s, nil
}

// Reopen closes a UDP listener and binds a fresh socket to the same address.
// Once its descriptor was handed to a worker, the kernel keeps delivering
// datagrams to the shared socket; a new socket restores routing. On failure
// l.FD is -1.
func Reopen(l *Listener) error {
	if l.Stream() {
		return ErrNotDatagram
	}
	if l.FD >= 0 {
		_ = unix.Close(l.FD)
	}
	l.FD = -1
	fd, err := socket(l.Family, l.Type, l.Proto)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, l.Addr); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bind %s: %w", AddrPort(l.Addr), err)
	}
	l.FD = fd
	return nil
}

func resolve(ctx context.Context, r Resolver, node string) ([]netip.Addr, error) {
	if node == "" {
		return []netip.Addr{netip.IPv4Unspecified(), netip.IPv6Unspecified()}, nil
	}
	if a, err := netip.ParseAddr(node); err == nil {
		return []netip.Addr{a.Unmap()}, nil
	}
	if r == nil {
		r = net.DefaultResolver
	}
	found, err := r.LookupNetIP(ctx, "ip", node)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResolve, node, err)
	}
	out := make([]netip.Addr, 0, len(found))
	for _, a := range found {
		out = append(out, a.Unmap())
	}
	return out, nil
}

func bindOne(ap netip.AddrPort, typ int) (*Listener, error) {
	family := unix.AF_INET
	if ap.Addr().Is6() {
		family = unix.AF_INET6
	}
	proto := unix.IPPROTO_TCP
	if typ == unix.SOCK_DGRAM {
		proto = unix.IPPROTO_UDP
	}
	fd, err := socket(family, typ, proto)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, Sockaddr(ap)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if typ == unix.SOCK_STREAM {
		if err := unix.Listen(fd, Backlog); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%w: %s: %v", ErrListen, ap, err)
		}
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return &Listener{FD: fd, Family: family, Type: typ, Proto: proto, Addr: bound}, nil
}

// socket creates a close-on-exec socket with the listener options applied.
// SO_REUSEADDR failures are logged only; on UDP sockets they would make a
// later Reopen fail, which is reported there.
func socket(family, typ, proto int) (int, error) {
	fd, err := unix.Socket(family, typ|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if family == unix.AF_INET6 {
		// keep v6 sockets off the v4 port so both families can bind
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			obs.Error("listen.setsockopt", obs.Fields{"opt": "IPV6_V6ONLY", "err": err})
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		obs.Error("listen.setsockopt", obs.Fields{"opt": "SO_REUSEADDR", "err": err})
	}
	if typ == unix.SOCK_DGRAM {
		if family == unix.AF_INET6 {
			if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MTU_DISCOVER, unix.IPV6_PMTUDISC_DO); err != nil {
				obs.Error("listen.setsockopt", obs.Fields{"opt": "IPV6_MTU_DISCOVER", "err": err})
			}
		} else if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MTU_DISCOVER, unix.IP_PMTUDISC_DO); err != nil {
			obs.Error("listen.setsockopt", obs.Fields{"opt": "IP_MTU_DISCOVER", "err": err})
		}
	}
	return fd, nil
}

// Sockaddr converts ap to the unix representation of its family.
func Sockaddr(ap netip.AddrPort) unix.Sockaddr {
	a := ap.Addr()
	if a.Is4() || a.Is4In6() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: a.Unmap().As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: a.As16()}
	if z := a.Zone(); z != "" {
		if ifi, err := net.InterfaceByName(z); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		} else if n, err := strconv.Atoi(z); err == nil {
			sa.ZoneId = uint32(n)
		}
	}
	return sa
}

// AddrPort converts an inet socket address; other families yield the zero value.
func AddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port))
	}
	return netip.AddrPort{}
}
