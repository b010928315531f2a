//go:build linux

package master

import (
	"time"

	"github.com/matst80/vpnd/internal/obs"
)

func (s *Server) armMaintenance() {
	d := s.cfg.maintenanceInterval()
	if s.timer == nil {
		s.timer = time.AfterFunc(d, func() {
			s.maintenanceDue.Store(true)
			s.wake()
		})
		return
	}
	s.timer.Reset(d)
}

// maintain expires cached TLS sessions and cookies and prunes idle rate
// limiter state. The registry is only read.
func (s *Server) maintain() {
	ctx, cancel := s.opContext()
	defer cancel()

	sessions, err := s.tls.Expire(ctx)
	if err != nil {
		obs.Error("maintenance.tlscache", obs.Fields{"err": err})
	}
	cookies, err := s.cookies.Expire(ctx)
	if err != nil {
		obs.Error("maintenance.cookies", obs.Fields{"err": err})
	}
	pruned := s.limiter.Prune(s.reg.RemoteIPs())

	obs.MaintenanceRunsTotal.Inc()
	obs.Debug("maintenance.done", obs.Fields{"sessions": sessions, "cookies": cookies, "limiter_pruned": pruned})
	s.armMaintenance()
}
