//go:build linux

package master

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/listen"
	"github.com/matst80/vpnd/internal/obs"
	"github.com/matst80/vpnd/internal/registry"
)

// acceptClient accepts one connection on a stream listener and hands it to a
// new worker. The master never keeps the client connection.
func (s *Server) acceptClient(l *listen.Listener) {
	nfd, sa, err := unix.Accept4(l.FD, unix.SOCK_CLOEXEC)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			obs.Error("accept.error", obs.Fields{"listener": l.String(), "err": err})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
		}
		return
	}
	defer unix.Close(nfd)
	remote := listen.AddrPort(sa)

	if s.cfg.MaxClients > 0 && s.reg.Active() >= s.cfg.MaxClients {
		obs.Info("accept.max_clients", obs.Fields{"remote": remote.String(), "active": s.reg.Active(), "max": s.cfg.MaxClients})
		obs.RejectedTotal.WithLabelValues("max_clients").Inc()
		return
	}
	if !s.limiter.Allow(remote.Addr().Unmap().String()) {
		obs.Info("accept.rate_limited", obs.Fields{"remote": remote.String()})
		obs.RejectedTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		obs.Error("worker.socketpair", obs.Fields{"remote": remote.String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("socketpair").Inc()
		return
	}
	// the master end never blocks the loop; the worker end stays blocking
	if err := unix.SetNonblock(pair[0], true); err != nil {
		_ = unix.Close(pair[0])
		_ = unix.Close(pair[1])
		obs.Error("worker.socketpair", obs.Fields{"remote": remote.String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("socketpair").Inc()
		return
	}
	pid, err := s.spawner.Spawn(nfd, pair[1], remote)
	_ = unix.Close(pair[1])
	if err != nil {
		_ = unix.Close(pair[0])
		obs.Error("worker.spawn", obs.Fields{"remote": remote.String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("spawn").Inc()
		return
	}

	rec := registry.NewRecord(pid, pair[0], remote)
	s.reg.Add(rec)
	obs.WorkersSpawnedTotal.Inc()
	obs.ActiveClients.Set(float64(s.reg.Active()))
	obs.Info("worker.spawned", obs.Fields{"worker": rec.ID.String(), "pid": pid, "remote": remote.String(), "active": s.reg.Active()})
}
