//go:build linux

package worker

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/matst80/vpnd/internal/obs"
	"github.com/matst80/vpnd/internal/proto"
)

// Run is the worker process entry point. It never returns to the master's
// loop; the result is the process exit code.
func Run(ctx context.Context, body Body) int {
	cfg, connF, ctrlF, err := Setup()
	if err != nil {
		obs.Error("worker.setup", obs.Fields{"err": err})
		return 1
	}
	obs.Setup(os.Stderr, cfg.LogFormat, "worker", cfg.Debug)

	ch, err := ChannelFromFile(ctrlF)
	if err != nil {
		obs.Error("worker.channel", obs.Fields{"err": err})
		return 1
	}
	defer ch.Close()

	tlsCfg, err := ServerTLSConfig(cfg, ch)
	if err != nil {
		obs.Error("worker.tls_config", obs.Fields{"err": err})
		return 1
	}
	if err := DropPrivileges(cfg); err != nil {
		obs.Error("worker.privileges", obs.Fields{"err": err})
		return 1
	}

	nc, err := net.FileConn(connF)
	_ = connF.Close()
	if err != nil {
		obs.Error("worker.conn", obs.Fields{"err": err})
		return 1
	}
	reason, code := serve(ctx, cfg, ch, nc, tlsCfg, body)
	_ = ch.Send(proto.CmdDisconnect, proto.Disconnect{Reason: reason})
	return code
}

func serve(ctx context.Context, cfg Config, ch *Channel, nc net.Conn, tlsCfg *tls.Config, body Body) (string, int) {
	remote, _ := netip.ParseAddrPort(nc.RemoteAddr().String())
	conn := tls.Server(nc, tlsCfg)
	defer conn.Close()

	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	err := conn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		obs.Info("worker.handshake", obs.Fields{"remote": remote.String(), "err": err})
		return "handshake failed", 0
	}
	st := conn.ConnectionState()
	obs.Info("worker.tls", obs.Fields{"remote": remote.String(), "version": tls.VersionName(st.Version), "resumed": st.DidResume})

	sid, err := NewSessionID()
	if err != nil {
		obs.Error("worker.session_id", obs.Fields{"err": err})
		return "internal error", 1
	}
	if err := ch.Send(proto.CmdSessionID, proto.SessionID{SessionID: sid}); err != nil {
		obs.Error("worker.session_id", obs.Fields{"err": err})
		return "master gone", 1
	}

	started := time.Now()
	err = body.Serve(ctx, &Session{Conn: conn, Channel: ch, Remote: remote, SessionID: sid})
	reason := "client closed"
	if err != nil {
		reason = err.Error()
	}
	obs.Info("worker.done", obs.Fields{"remote": remote.String(), "reason": reason, "duration": time.Since(started).Round(time.Millisecond).String()})
	return reason, 0
}

// NewSessionID returns a random DTLS session id of the maximum length.
func NewSessionID() ([]byte, error) {
	sid := make([]byte, sessionIDLen)
	if _, err := rand.Read(sid); err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return sid, nil
}
