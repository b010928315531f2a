// Package lease hands out point-to-point IPv4 address pairs to VPN sessions.
package lease

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrExhausted   = errors.New("lease: address pool exhausted")
	ErrBadNetwork  = errors.New("lease: network must be an IPv4 prefix of /30 or larger")
	ErrNotReleased = errors.New("lease: lease not owned by this pool")
)

// Lease is one allocated pair: Local is the server side of the tunnel,
// Remote is the address given to the client.
type Lease struct {
	Local  netip.Addr
	Remote netip.Addr
	InUse  bool
}

func (l *Lease) String() string { return fmt.Sprintf("%s->%s", l.Local, l.Remote) }

// Pool allocates leases from a prefix. The first usable address is the
// shared server side; every client gets its own remote address. Not safe
// for concurrent use.
type Pool struct {
	prefix netip.Prefix
	local  netip.Addr
	leases []*Lease
	next   netip.Addr
}

// NewPool parses a CIDR such as "192.168.99.0/24".
func NewPool(cidr string) (*Pool, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	p = p.Masked()
	if !p.Addr().Is4() || p.Bits() > 30 {
		return nil, ErrBadNetwork
	}
	local := p.Addr().Next()
	return &Pool{prefix: p, local: local, next: local.Next()}, nil
}

// Acquire returns a free lease, reusing released ones first.
func (p *Pool) Acquire() (*Lease, error) {
	for _, l := range p.leases {
		if !l.InUse {
			l.InUse = true
			return l, nil
		}
	}
	if !p.usable(p.next) {
		return nil, ErrExhausted
	}
	l := &Lease{Local: p.local, Remote: p.next, InUse: true}
	p.leases = append(p.leases, l)
	p.next = p.next.Next()
	return l, nil
}

// Release marks l free for reuse.
func (p *Pool) Release(l *Lease) error {
	if l == nil {
		return nil
	}
	for _, own := range p.leases {
		if own == l {
			l.InUse = false
			return nil
		}
	}
	return ErrNotReleased
}

// InUse counts allocated leases.
func (p *Pool) InUse() int {
	n := 0
	for _, l := range p.leases {
		if l.InUse {
			n++
		}
	}
	return n
}

func (p *Pool) usable(a netip.Addr) bool {
	if !a.IsValid() || !p.prefix.Contains(a) {
		return false
	}
	// the broadcast address is the last one in the prefix
	return p.prefix.Contains(a.Next())
}
