// Package cookie stores the session cookies handed to authenticated clients so
// a reconnecting client can skip authentication. Cookies are never stored in
// the clear: entries are keyed by a keyed BLAKE2b hash of the cookie.
package cookie

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Size is the length of an issued cookie.
const Size = 32

var (
	ErrNotFound = errors.New("cookie: not found")
	ErrExpired  = errors.New("cookie: expired")
	ErrErased   = errors.New("cookie: database erased")
	ErrKeySize  = errors.New("cookie: key must be 32 bytes")
)

// Entry is what a cookie stands for.
type Entry struct {
	User    string    `json:"user"`
	Remote  string    `json:"remote"`
	Expires time.Time `json:"expires"`
}

// DB is the cookie database contract the master relies on.
type DB interface {
	Store(ctx context.Context, cookie []byte, e Entry) error
	// Lookup returns ErrNotFound or ErrExpired for unusable cookies.
	Lookup(ctx context.Context, cookie []byte) (Entry, error)
	// Expire drops expired entries and reports how many went away.
	Expire(ctx context.Context) (int, error)
	// Erase wipes key material held in memory; the DB is unusable afterwards.
	Erase()
	Close() error
}

// New returns a fresh random cookie.
func New() ([]byte, error) {
	c := make([]byte, Size)
	if _, err := rand.Read(c); err != nil {
		return nil, fmt.Errorf("cookie: %w", err)
	}
	return c, nil
}

// NewKey returns a random hashing key.
func NewKey() ([]byte, error) {
	k := make([]byte, 32)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("cookie: %w", err)
	}
	return k, nil
}

func hashCookie(key, cookie []byte) (string, error) {
	if len(key) != 32 {
		return "", ErrErased
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return "", fmt.Errorf("cookie: %w", err)
	}
	h.Write(cookie)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// zero overwrites b; KeepAlive keeps the stores from being eliminated.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
