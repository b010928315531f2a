// Package registry tracks the worker processes owned by the master.
//
// The registry is owned by the reactor goroutine and is not safe for
// concurrent use.
package registry

import (
	"bytes"
	"errors"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/vpnd/internal/lease"
)

// Invalid marks a removed record's PID and FD.
const Invalid = -1

var ErrNotFound = errors.New("registry: record not found")

// Record is the master's view of one worker process.
type Record struct {
	ID     uuid.UUID
	PID    int
	FD     int // master end of the control channel
	Remote netip.AddrPort

	// SessionID is learned from the worker's first SessionID command.
	SessionID     []byte
	UDPFdReceived bool

	Lease   *lease.Lease
	User    string
	Started time.Time

	// Pending holds the bytes of a command not yet fully received; Outbox
	// holds reply bytes the worker has not read yet.
	Pending []byte
	Outbox  []byte
}

// NewRecord returns a live record for a freshly spawned worker.
func NewRecord(pid, fd int, remote netip.AddrPort) *Record {
	return &Record{
		ID:      uuid.New(),
		PID:     pid,
		FD:      fd,
		Remote:  remote,
		Started: time.Now(),
	}
}

// Alive reports whether the record has not been torn down.
func (r *Record) Alive() bool { return r.PID != Invalid }

// Registry is an insertion-ordered set of records.
type Registry struct {
	items  []*Record
	active int
}

func New() *Registry { return &Registry{} }

// Add appends rec and counts it as an active client.
func (g *Registry) Add(rec *Record) {
	g.items = append(g.items, rec)
	if rec.Alive() {
		g.active++
	}
}

// Remove deletes rec by identity and tombstones it. The caller owns closing
// the descriptor before calling Remove.
func (g *Registry) Remove(rec *Record) error {
	for i, r := range g.items {
		if r != rec {
			continue
		}
		g.items = append(g.items[:i], g.items[i+1:]...)
		if rec.Alive() && g.active > 0 {
			g.active--
		}
		rec.PID = Invalid
		rec.FD = Invalid
		return nil
	}
	return ErrNotFound
}

// Records returns a snapshot in insertion order; removing records while
// ranging over it is safe.
func (g *Registry) Records() []*Record {
	out := make([]*Record, len(g.items))
	copy(out, g.items)
	return out
}

// Len is the number of stored records.
func (g *Registry) Len() int { return len(g.items) }

// Active is the number of live clients.
func (g *Registry) Active() int { return g.active }

// ByPID finds a live record by process id.
func (g *Registry) ByPID(pid int) (*Record, error) {
	for _, r := range g.items {
		if r.PID == pid && r.Alive() {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

// FindAwaitingUDP returns the first record, in insertion order, that has not
// yet received its UDP socket and whose session id equals sid. Ties between
// workers reporting the same session id resolve to the oldest registration.
func (g *Registry) FindAwaitingUDP(sid []byte) (*Record, error) {
	for _, r := range g.items {
		if !r.Alive() || r.UDPFdReceived || r.SessionID == nil {
			continue
		}
		if len(r.SessionID) == len(sid) && bytes.Equal(r.SessionID, sid) {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

// RemoteIPs returns the set of client addresses with a live worker.
func (g *Registry) RemoteIPs() map[string]bool {
	out := make(map[string]bool, len(g.items))
	for _, r := range g.items {
		if r.Alive() {
			out[r.Remote.Addr().Unmap().String()] = true
		}
	}
	return out
}
