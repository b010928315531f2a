//go:build linux

package master

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/dtls"
	"github.com/matst80/vpnd/internal/listen"
	"github.com/matst80/vpnd/internal/obs"
	"github.com/matst80/vpnd/internal/proto"
	"github.com/matst80/vpnd/internal/registry"
)

var errChannelBusy = errors.New("master: control channel has unread replies")

// resolveUDP peeks at the datagram waiting on l, finds the worker whose DTLS
// session id it carries and passes the whole socket to that worker. The
// listener is then replaced by a fresh socket bound to the same address.
// Datagrams nobody owns are consumed and dropped.
func (s *Server) resolveUDP(l *listen.Listener) error {
	n, from, err := unix.Recvfrom(l.FD, s.buf, unix.MSG_PEEK)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("peek %s: %w", l, err)
	}
	peer := listen.AddrPort(from)

	hello, err := dtls.ParseClientHello(s.buf[:n], s.cfg.VersionPolicy)
	if err != nil {
		s.discard(l, n, probeReason(err))
		return fmt.Errorf("%w: %s: %v", ErrNoOwner, peer, err)
	}
	rec, err := s.reg.FindAwaitingUDP(hello.SessionID)
	if err != nil {
		s.discard(l, n, "no_owner")
		return fmt.Errorf("%w: %s session %x", ErrNoOwner, peer, hello.SessionID)
	}

	if err := s.sendUDPFd(rec, l.FD, peer); err != nil {
		obs.Error("udp.handoff", obs.Fields{"worker": rec.ID.String(), "pid": rec.PID, "peer": peer.String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("udp_handoff").Inc()
		s.discard(l, n, "send_failed")
		return nil
	}
	rec.UDPFdReceived = true
	obs.UDPHandoffsTotal.Inc()
	obs.Info("udp.handoff", obs.Fields{"worker": rec.ID.String(), "pid": rec.PID, "peer": peer.String(), "listener": l.String()})

	if err := listen.Reopen(l); err != nil {
		obs.Error("udp.reopen", obs.Fields{"listener": l.String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("udp_reopen").Inc()
	}
	return nil
}

// sendUDPFd passes the socket without blocking. The descriptor must ride on
// the first byte of a frame, so queued replies have to drain first; a short
// write queues the rest of the frame behind the descriptor.
func (s *Server) sendUDPFd(rec *registry.Record, fd int, peer netip.AddrPort) error {
	if err := s.flush(rec); err != nil {
		return err
	}
	if len(rec.Outbox) > 0 {
		return errChannelBusy
	}
	b, err := proto.Marshal(proto.CmdUDPFd, proto.UDPFd{Peer: peer.String()})
	if err != nil {
		return err
	}
	n, err := proto.SendRights(rec.FD, b, fd)
	if err != nil {
		return err
	}
	if n < len(b) {
		rec.Outbox = append(rec.Outbox, b[n:]...)
	}
	return nil
}

// discard consumes the peeked datagram.
func (s *Server) discard(l *listen.Listener, n int, reason string) {
	if n < 1 {
		n = 1
	}
	if _, _, err := unix.Recvfrom(l.FD, s.buf[:n], 0); err != nil && !errors.Is(err, unix.EAGAIN) {
		obs.Debug("udp.discard", obs.Fields{"listener": l.String(), "err": err})
	}
	obs.UDPDiscardedTotal.WithLabelValues(reason).Inc()
}

func probeReason(err error) string {
	switch {
	case errors.Is(err, dtls.ErrShortProbe):
		return "short"
	case errors.Is(err, dtls.ErrVersion):
		return "version"
	case errors.Is(err, dtls.ErrContentType):
		return "content_type"
	case errors.Is(err, dtls.ErrSessionIDLength):
		return "session_id_length"
	default:
		return "malformed"
	}
}
