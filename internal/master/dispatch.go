//go:build linux

package master

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/cookie"
	"github.com/matst80/vpnd/internal/dtls"
	"github.com/matst80/vpnd/internal/lease"
	"github.com/matst80/vpnd/internal/obs"
	"github.com/matst80/vpnd/internal/proto"
	"github.com/matst80/vpnd/internal/registry"
	"github.com/matst80/vpnd/internal/tlscache"
)

// serviceWorker handles one readable control channel and tears the worker
// down when the exchange fails.
func (s *Server) serviceWorker(rec *registry.Record) {
	err := s.dispatch(rec)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrProtocolViolation):
		obs.Error("worker.violation", obs.Fields{"worker": rec.ID.String(), "pid": rec.PID, "err": err})
		obs.ErrorsTotal.WithLabelValues("protocol_violation").Inc()
		if kerr := s.procs.Kill(rec.PID, syscall.SIGTERM); kerr != nil {
			obs.Error("worker.kill", obs.Fields{"pid": rec.PID, "err": kerr})
		}
		s.removeProc(rec, "protocol_violation")
	case errors.Is(err, errDisconnect):
		s.removeProc(rec, "disconnect")
	default:
		obs.Debug("worker.channel", obs.Fields{"worker": rec.ID.String(), "pid": rec.PID, "err": err})
		s.removeProc(rec, "closed")
	}
}

// dispatch drains whatever the worker has sent, answers every complete
// command and keeps a trailing partial one for the next readiness event.
// The control fd is non-blocking, so a worker that stops mid-frame or never
// reads its replies cannot stall the loop. Errors wrap either
// ErrProtocolViolation or ErrWorkerGone.
func (s *Server) dispatch(rec *registry.Record) error {
	if err := s.flush(rec); err != nil {
		return err
	}
	n, err := readNonblock(rec.FD, s.rbuf)
	switch {
	case errors.Is(err, unix.EAGAIN):
		return nil
	case err != nil:
		return fmt.Errorf("%w: read: %v", ErrWorkerGone, err)
	case n == 0 && len(rec.Pending) > 0:
		return fmt.Errorf("%w: %v", ErrWorkerGone, proto.ErrShortFrame)
	case n == 0:
		return fmt.Errorf("%w: %v", ErrWorkerGone, io.EOF)
	}
	rec.Pending = append(rec.Pending, s.rbuf[:n]...)
	for {
		f, used, ok := proto.ParseFrame(rec.Pending)
		if !ok {
			break
		}
		rec.Pending = rec.Pending[used:]
		if err := s.handle(rec, f); err != nil {
			return err
		}
	}
	if len(rec.Pending) == 0 {
		rec.Pending = nil
	}
	return nil
}

func readNonblock(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// handle answers one complete command.
func (s *Server) handle(rec *registry.Record, f proto.Frame) error {
	if !f.Cmd.FromWorker() {
		return fmt.Errorf("%w: unexpected command %s", ErrProtocolViolation, f.Cmd)
	}
	obs.Debug("worker.command", obs.Fields{"pid": rec.PID, "cmd": f.Cmd.String(), "len": len(f.Payload)})

	switch f.Cmd {
	case proto.CmdSessionID:
		var m proto.SessionID
		if err := f.Decode(&m); err != nil {
			return violation(err)
		}
		if len(m.SessionID) == 0 || len(m.SessionID) > dtls.MaxSessionIDLen {
			return fmt.Errorf("%w: session id of %d bytes", ErrProtocolViolation, len(m.SessionID))
		}
		rec.SessionID = append([]byte(nil), m.SessionID...)
		if obs.DebugEnabled() {
			obs.Debug("worker.session_id", obs.Fields{"pid": rec.PID, "session_id": fmt.Sprintf("%x", rec.SessionID)})
		}

	case proto.CmdLeaseRequest:
		r := s.handleLease(rec)
		return s.reply(rec, proto.CmdLeaseReply, r)

	case proto.CmdResumeStore:
		var m proto.ResumeStore
		if err := f.Decode(&m); err != nil {
			return violation(err)
		}
		if err := s.handleResumeStore(rec, m); err != nil {
			return err
		}

	case proto.CmdResumeFetch:
		var m proto.ResumeFetch
		if err := f.Decode(&m); err != nil {
			return violation(err)
		}
		r := s.handleResumeFetch(rec, m)
		return s.reply(rec, proto.CmdResumeReply, r)

	case proto.CmdResumeDelete:
		var m proto.ResumeDelete
		if err := f.Decode(&m); err != nil {
			return violation(err)
		}
		ctx, cancel := s.opContext()
		err := s.tls.Delete(ctx, m.ID)
		cancel()
		if err != nil {
			obs.Warn("tlscache.delete", obs.Fields{"pid": rec.PID, "err": err})
		}

	case proto.CmdCookieIssue:
		var m proto.CookieIssue
		if err := f.Decode(&m); err != nil {
			return violation(err)
		}
		if m.User == "" {
			return fmt.Errorf("%w: cookie for empty user", ErrProtocolViolation)
		}
		r := s.handleCookieIssue(rec, m)
		return s.reply(rec, proto.CmdCookieReply, r)

	case proto.CmdCookieAuth:
		var m proto.CookieAuth
		if err := f.Decode(&m); err != nil {
			return violation(err)
		}
		r := s.handleCookieAuth(rec, m)
		return s.reply(rec, proto.CmdAuthReply, r)

	case proto.CmdDisconnect:
		var m proto.Disconnect
		if len(f.Payload) > 0 {
			_ = f.Decode(&m)
		}
		obs.Info("worker.disconnect", obs.Fields{"worker": rec.ID.String(), "pid": rec.PID, "reason": m.Reason})
		return errDisconnect
	}

	return nil
}

// reply queues one frame for the worker and writes as much as the socket
// takes without blocking.
func (s *Server) reply(rec *registry.Record, cmd proto.Cmd, v any) error {
	b, err := proto.Marshal(cmd, v)
	if err != nil {
		obs.Error("worker.reply", obs.Fields{"pid": rec.PID, "cmd": cmd.String(), "err": err})
		return nil
	}
	rec.Outbox = append(rec.Outbox, b...)
	return s.flush(rec)
}

// flush writes queued replies until the socket would block. A worker that
// lets more than maxOutbox bytes pile up is treated as gone.
func (s *Server) flush(rec *registry.Record) error {
	for len(rec.Outbox) > 0 {
		n, err := unix.Write(rec.FD, rec.Outbox)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrWorkerGone, err)
		}
		rec.Outbox = rec.Outbox[n:]
	}
	if len(rec.Outbox) > maxOutbox {
		return fmt.Errorf("%w: %d reply bytes unread", ErrWorkerGone, len(rec.Outbox))
	}
	if len(rec.Outbox) == 0 {
		rec.Outbox = nil
	}
	return nil
}

func violation(err error) error {
	return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
}

func (s *Server) handleLease(rec *registry.Record) proto.LeaseReply {
	if rec.Lease != nil {
		return proto.LeaseReply{Local: rec.Lease.Local.String(), Remote: rec.Lease.Remote.String()}
	}
	if s.leases == nil {
		return proto.LeaseReply{Error: "no address pool configured"}
	}
	l, err := s.leases.Acquire()
	if err != nil {
		if errors.Is(err, lease.ErrExhausted) {
			obs.Error("lease.exhausted", obs.Fields{"pid": rec.PID, "in_use": s.leases.InUse()})
		}
		return proto.LeaseReply{Error: err.Error()}
	}
	rec.Lease = l
	obs.Info("lease.acquired", obs.Fields{"pid": rec.PID, "lease": l.String()})
	return proto.LeaseReply{Local: l.Local.String(), Remote: l.Remote.String()}
}

func (s *Server) handleResumeStore(rec *registry.Record, m proto.ResumeStore) error {
	ctx, cancel := s.opContext()
	defer cancel()
	err := s.tls.Store(ctx, m.ID, rec.Remote.Addr(), m.Data)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tlscache.ErrBadID), errors.Is(err, tlscache.ErrTooLarge):
		return violation(err)
	default:
		obs.Warn("tlscache.store", obs.Fields{"pid": rec.PID, "err": err})
		return nil
	}
}

func (s *Server) handleResumeFetch(rec *registry.Record, m proto.ResumeFetch) proto.ResumeReply {
	ctx, cancel := s.opContext()
	defer cancel()
	data, err := s.tls.Fetch(ctx, m.ID, rec.Remote.Addr())
	if err != nil {
		if !errors.Is(err, tlscache.ErrNotFound) {
			obs.Info("tlscache.fetch", obs.Fields{"pid": rec.PID, "remote": rec.Remote.String(), "err": err})
		}
		return proto.ResumeReply{}
	}
	return proto.ResumeReply{Found: true, Data: data}
}

func (s *Server) handleCookieIssue(rec *registry.Record, m proto.CookieIssue) proto.CookieReply {
	c, err := cookie.New()
	if err != nil {
		obs.Error("cookie.generate", obs.Fields{"err": err})
		return proto.CookieReply{Error: "cookie generation failed"}
	}
	ctx, cancel := s.opContext()
	defer cancel()
	e := cookie.Entry{
		User:    m.User,
		Remote:  rec.Remote.Addr().Unmap().String(),
		Expires: s.now().Add(s.cfg.CookieValidity),
	}
	if err := s.cookies.Store(ctx, c, e); err != nil {
		obs.Error("cookie.store", obs.Fields{"pid": rec.PID, "err": err})
		return proto.CookieReply{Error: "cookie store failed"}
	}
	rec.User = m.User
	obs.Info("cookie.issued", obs.Fields{"pid": rec.PID, "user": m.User, "expires": e.Expires.Format(time.RFC3339)})
	return proto.CookieReply{Cookie: c}
}

func (s *Server) handleCookieAuth(rec *registry.Record, m proto.CookieAuth) proto.AuthReply {
	ctx, cancel := s.opContext()
	defer cancel()
	e, err := s.cookies.Lookup(ctx, m.Cookie)
	if err != nil {
		obs.Info("cookie.rejected", obs.Fields{"pid": rec.PID, "remote": rec.Remote.String(), "err": err})
		return proto.AuthReply{}
	}
	rec.User = e.User
	obs.Info("cookie.accepted", obs.Fields{"pid": rec.PID, "user": e.User})
	return proto.AuthReply{OK: true, User: e.User}
}

// removeProc tears a worker down: accounting, lease release, closing the
// control channel and dropping the record.
func (s *Server) removeProc(rec *registry.Record, reason string) {
	s.userDisconnected(rec, reason)
	if rec.FD >= 0 {
		_ = unix.Close(rec.FD)
	}
	if err := s.reg.Remove(rec); err != nil {
		rec.FD = registry.Invalid
		rec.PID = registry.Invalid
	}
	obs.ActiveClients.Set(float64(s.reg.Active()))
}

func (s *Server) userDisconnected(rec *registry.Record, reason string) {
	obs.Info("worker.removed", obs.Fields{
		"worker":   rec.ID.String(),
		"pid":      rec.PID,
		"remote":   rec.Remote.String(),
		"user":     rec.User,
		"reason":   reason,
		"lifetime": time.Since(rec.Started).Round(time.Millisecond).String(),
	})
	obs.TeardownsTotal.WithLabelValues(reason).Inc()
	obs.WorkerLifetimeSeconds.Observe(time.Since(rec.Started).Seconds())
	if rec.Lease != nil && s.leases != nil {
		if err := s.leases.Release(rec.Lease); err != nil {
			obs.Error("lease.release", obs.Fields{"pid": rec.PID, "err": err})
		}
		rec.Lease = nil
	}
}
