// Package tlscache holds TLS session-resumption state on behalf of workers.
// Entries are bound to the client IP that stored them and are only handed back
// to the same address.
package tlscache

import (
	"context"
	"errors"
	"net/netip"
	"time"
)

const (
	MaxIDLen   = 32
	MaxDataLen = 16 * 1024

	DefaultTTL        = time.Hour
	DefaultMaxEntries = 4096
)

var (
	ErrNotFound       = errors.New("tlscache: not found")
	ErrRemoteMismatch = errors.New("tlscache: remote address mismatch")
	ErrFull           = errors.New("tlscache: cache full")
	ErrBadID          = errors.New("tlscache: invalid session id")
	ErrTooLarge       = errors.New("tlscache: session data too large")
)

// Cache is the resumption store the master consults for its workers.
type Cache interface {
	Store(ctx context.Context, id []byte, remote netip.Addr, data []byte) error
	Fetch(ctx context.Context, id []byte, remote netip.Addr) ([]byte, error)
	Delete(ctx context.Context, id []byte) error
	// Expire drops entries older than the cache TTL.
	Expire(ctx context.Context) (int, error)
	Close() error
}

type entry struct {
	Remote  string    `json:"remote"`
	Data    []byte    `json:"data"`
	Expires time.Time `json:"expires"`
}

func check(id, data []byte) error {
	if len(id) == 0 || len(id) > MaxIDLen {
		return ErrBadID
	}
	if len(data) > MaxDataLen {
		return ErrTooLarge
	}
	return nil
}

func sameRemote(e entry, remote netip.Addr) bool {
	return e.Remote == remote.Unmap().String()
}
