//go:build linux

package worker

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/listen"
	"github.com/matst80/vpnd/internal/obs"
	"github.com/matst80/vpnd/internal/proto"
)

// Session is what a Body gets to work with once TLS is up.
type Session struct {
	Conn      net.Conn
	Channel   *Channel
	Remote    netip.AddrPort
	SessionID []byte
}

// Body is the VPN protocol run inside a worker. Serve returns when the
// client session is over; the returned error becomes the disconnect reason.
type Body interface {
	Serve(ctx context.Context, s *Session) error
}

var ErrAuth = errors.New("worker: authentication failed")

// LineBody is the built-in body: a line protocol that exercises every
// master service.
//
//	client: AUTH <user>      server: COOKIE <hex>, LEASE <local> <remote>
//	client: COOKIE <hex>     server: OK <user>, LEASE <local> <remote>
//	client: QUIT
//
// The server opens with SESSION <hex> (the DTLS session id) and announces
// UDP <peer> once the master hands over the client's UDP socket; datagrams
// on it are echoed back.
type LineBody struct {
	IdleTimeout time.Duration
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) printf(format string, args ...any) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := fmt.Fprintf(lw.w, format+"\n", args...)
	return err
}

func (b LineBody) Serve(ctx context.Context, s *Session) error {
	out := &lineWriter{w: s.Conn}
	if err := out.printf("SESSION %s", hex.EncodeToString(s.SessionID)); err != nil {
		return err
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.Conn)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
		err := sc.Err()
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	var idle <-chan time.Time
	if b.IdleTimeout > 0 {
		t := time.NewTimer(b.IdleTimeout)
		defer t.Stop()
		idle = t.C
	}

	udp := s.Channel.UDP()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Channel.Done():
			return s.Channel.Err()
		case <-idle:
			return errors.New("idle timeout")
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case h := <-udp:
			udp = nil
			if err := startEcho(ctx, h); err != nil {
				obs.Error("worker.udp", obs.Fields{"peer": h.Peer.String(), "err": err})
				continue
			}
			obs.Info("worker.udp", obs.Fields{"peer": h.Peer.String()})
			if err := out.printf("UDP %s", h.Peer); err != nil {
				return err
			}
		case line := <-lines:
			done, err := b.handle(ctx, s, out, line)
			if err != nil || done {
				return err
			}
		}
	}
}

func (b LineBody) handle(ctx context.Context, s *Session, out *lineWriter, line string) (bool, error) {
	verb, arg, _ := strings.Cut(line, " ")
	switch strings.ToUpper(verb) {
	case "":
		return false, nil
	case "QUIT":
		return true, nil
	case "AUTH":
		if arg == "" {
			return false, out.printf("ERR missing user")
		}
		var r proto.CookieReply
		if err := s.Channel.Call(ctx, proto.CmdCookieIssue, proto.CookieIssue{User: arg}, proto.CmdCookieReply, &r); err != nil {
			return true, err
		}
		if r.Error != "" {
			return false, out.printf("ERR %s", r.Error)
		}
		if err := out.printf("COOKIE %s", hex.EncodeToString(r.Cookie)); err != nil {
			return true, err
		}
		return false, b.lease(ctx, s, out)
	case "COOKIE":
		c, err := hex.DecodeString(arg)
		if err != nil {
			return false, out.printf("ERR bad cookie")
		}
		var r proto.AuthReply
		if err := s.Channel.Call(ctx, proto.CmdCookieAuth, proto.CookieAuth{Cookie: c}, proto.CmdAuthReply, &r); err != nil {
			return true, err
		}
		if !r.OK {
			_ = out.printf("ERR auth")
			return true, ErrAuth
		}
		if err := out.printf("OK %s", r.User); err != nil {
			return true, err
		}
		return false, b.lease(ctx, s, out)
	default:
		return false, out.printf("ERR unknown command %q", verb)
	}
}

func (b LineBody) lease(ctx context.Context, s *Session, out *lineWriter) error {
	var r proto.LeaseReply
	if err := s.Channel.Call(ctx, proto.CmdLeaseRequest, proto.LeaseRequest{}, proto.CmdLeaseReply, &r); err != nil {
		return err
	}
	if r.Error != "" {
		return out.printf("ERR lease %s", r.Error)
	}
	return out.printf("LEASE %s %s", r.Local, r.Remote)
}

// startEcho connects the handed-over socket to the client so the kernel
// prefers it over the master's listener for that peer, then echoes datagrams
// until ctx ends.
func startEcho(ctx context.Context, h Handoff) error {
	if err := unix.Connect(h.FD, listen.Sockaddr(h.Peer)); err != nil {
		_ = unix.Close(h.FD)
		return fmt.Errorf("connect udp: %w", err)
	}
	f := os.NewFile(uintptr(h.FD), "udp")
	pc, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("udp conn: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()
	go func() {
		defer pc.Close()
		buf := make([]byte, 2048)
		for {
			n, err := pc.Read(buf)
			if err != nil {
				return
			}
			if _, err := pc.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
	return nil
}
