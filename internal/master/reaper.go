//go:build linux

package master

import (
	"syscall"

	"github.com/matst80/vpnd/internal/obs"
)

// reapChildren collects every exited child without blocking. Records are left
// alone: a dead worker's control channel reports EOF and is torn down there.
func (s *Server) reapChildren() {
	exits, err := s.procs.Reap()
	if err != nil {
		obs.Error("reap.error", obs.Fields{"err": err})
	}
	for _, e := range exits {
		s.logExit(e)
	}
}

func (s *Server) logExit(e Exit) {
	f := s.exitFields(e)
	if !e.Failed() {
		obs.Debug("child.exited", f)
		return
	}
	obs.Error("child.failed", f)
	obs.ChildrenFailedTotal.Inc()
}

// exitFields describes an exit. A worker is usually reaped before its channel
// reports EOF, so its record still names the client it served.
func (s *Server) exitFields(e Exit) obs.Fields {
	f := obs.Fields{"pid": e.PID}
	if e.Status.Signaled() {
		f["signal"] = e.Status.Signal().String()
	} else if e.Status.Exited() {
		f["status"] = e.Status.ExitStatus()
	}
	if rec, err := s.reg.ByPID(e.PID); err == nil {
		f["worker"] = rec.ID.String()
		f["remote"] = rec.Remote.String()
		if rec.User != "" {
			f["user"] = rec.User
		}
	}
	return f
}

// shutdown terminates every worker, releases the master's resources and waits
// until all children are gone.
func (s *Server) shutdown() {
	obs.Info("master.shutdown", obs.Fields{"active": s.reg.Active()})
	s.publishStats(false)
	if s.timer != nil {
		s.timer.Stop()
	}

	for _, rec := range s.reg.Records() {
		if !rec.Alive() {
			continue
		}
		if err := s.procs.Kill(rec.PID, syscall.SIGTERM); err != nil {
			obs.Debug("worker.kill", obs.Fields{"pid": rec.PID, "err": err})
		}
		s.removeProc(rec, "shutdown")
	}
	s.listeners.Close()

	s.cookies.Erase()
	if err := s.cookies.Close(); err != nil {
		obs.Error("cookie.close", obs.Fields{"err": err})
	}
	if err := s.tls.Close(); err != nil {
		obs.Error("tlscache.close", obs.Fields{"err": err})
	}
	// whatever happened so far is on disk before waiting on children
	if err := obs.Sync(); err != nil {
		obs.Warn("log.sync", obs.Fields{"err": err})
	}

	exits, err := s.procs.WaitAll()
	if err != nil {
		obs.Error("reap.error", obs.Fields{"err": err})
	}
	for _, e := range exits {
		s.logExit(e)
	}
	s.closeWake()
	s.publishStats(false)
	obs.Info("master.shutdown.complete", obs.Fields{"reaped": len(exits)})
}
