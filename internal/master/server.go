//go:build linux

// Package master is the privileged supervisor: it owns the listening sockets,
// spawns one worker process per TCP client, routes each client's first UDP
// datagram to the worker that negotiated the matching DTLS session, answers
// worker requests on the control channels and reaps exited workers.
//
// Everything runs on the single goroutine calling Run. Signal delivery and the
// maintenance timer only set flags and wake the loop.
package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/matst80/vpnd/internal/cookie"
	"github.com/matst80/vpnd/internal/dtls"
	"github.com/matst80/vpnd/internal/lease"
	"github.com/matst80/vpnd/internal/listen"
	"github.com/matst80/vpnd/internal/obs"
	"github.com/matst80/vpnd/internal/ratelimit"
	"github.com/matst80/vpnd/internal/registry"
	"github.com/matst80/vpnd/internal/tlscache"
)

const (
	pollTimeout = 10_000 // ms
	peekSize    = 1024

	// maintenanceSlack is added to the cookie validity to get the interval
	// between maintenance passes.
	maintenanceSlack = 300 * time.Second

	storeTimeout = 2 * time.Second

	readChunk = 16 << 10
	maxOutbox = 256 << 10
)

var (
	ErrProtocolViolation = errors.New("master: protocol violation")
	ErrNoOwner           = errors.New("master: no worker owns datagram")
	ErrWorkerGone        = errors.New("master: worker gone")

	errDisconnect = fmt.Errorf("%w: disconnect requested", ErrWorkerGone)
)

// Config is the read-only part of the server configuration the master needs.
type Config struct {
	MaxClients     int // 0 means unlimited
	CookieValidity time.Duration
	VersionPolicy  dtls.VersionPolicy

	// MaintenanceInterval overrides CookieValidity+300s when set.
	MaintenanceInterval time.Duration
}

func (c Config) maintenanceInterval() time.Duration {
	if c.MaintenanceInterval > 0 {
		return c.MaintenanceInterval
	}
	return c.CookieValidity + maintenanceSlack
}

// Deps are the collaborators handed to the master. Listeners, Spawner, Procs,
// Cookies and TLS are required; Leases and Limiter are optional.
type Deps struct {
	Listeners *listen.Set
	Spawner   Spawner
	Procs     ProcessControl
	Cookies   cookie.DB
	TLS       tlscache.Cache
	Leases    *lease.Pool
	Limiter   *ratelimit.AcceptLimiter
}

// Stats is the snapshot published after every loop iteration for the HTTP
// endpoints. It is never mutated once published.
type Stats struct {
	Active      int       `json:"active_clients"`
	Records     int       `json:"records"`
	Listeners   []string  `json:"listeners"`
	LeasesInUse int       `json:"leases_in_use"`
	Started     time.Time `json:"started"`
	Ready       bool      `json:"ready"`
	Closing     bool      `json:"closing"`
}

// Server is the master process state.
type Server struct {
	cfg       Config
	listeners *listen.Set
	reg       *registry.Registry
	spawner   Spawner
	procs     ProcessControl
	cookies   cookie.DB
	tls       tlscache.Cache
	leases    *lease.Pool
	limiter   *ratelimit.AcceptLimiter

	terminate      atomic.Bool
	reapDue        atomic.Bool
	maintenanceDue atomic.Bool

	wakeMu sync.Mutex
	wakeR  int
	wakeW  int

	timer   *time.Timer
	stats   atomic.Pointer[Stats]
	started time.Time
	buf     []byte
	rbuf    []byte
	now     func() time.Time
}

// New validates deps and creates the wake pipe.
func New(cfg Config, d Deps) (*Server, error) {
	if d.Listeners == nil || d.Spawner == nil || d.Procs == nil || d.Cookies == nil || d.TLS == nil {
		return nil, errors.New("master: missing dependency")
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	s := &Server{
		cfg:       cfg,
		listeners: d.Listeners,
		reg:       registry.New(),
		spawner:   d.Spawner,
		procs:     d.Procs,
		cookies:   d.Cookies,
		tls:       d.TLS,
		leases:    d.Leases,
		limiter:   d.Limiter,
		wakeR:     p[0],
		wakeW:     p[1],
		started:   time.Now(),
		buf:       make([]byte, peekSize),
		rbuf:      make([]byte, readChunk),
		now:       time.Now,
	}
	s.publishStats(false)
	return s, nil
}

// Registry exposes the process records; callers must not use it while Run
// is executing.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Stats returns the latest published snapshot.
func (s *Server) Stats() *Stats { return s.stats.Load() }

// Stop asks Run to shut down. Safe to call from any goroutine.
func (s *Server) Stop() {
	s.terminate.Store(true)
	s.wake()
}

// Run is the reactor loop. It returns nil after an orderly shutdown and an
// error only when polling itself fails.
func (s *Server) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD)
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	defer close(done)
	go s.forwardSignals(ctx, sigs, done)

	s.armMaintenance()
	obs.Info("master.ready", obs.Fields{"listeners": len(s.listeners.Listeners()), "max_clients": s.cfg.MaxClients})

	var (
		pfds []unix.PollFd
		ls   []*listen.Listener
		rs   []*registry.Record
	)
	for {
		if s.terminate.Load() {
			s.shutdown()
			return nil
		}

		pfds, ls, rs = s.pollSet(pfds[:0], ls[:0], rs[:0])
		s.publishStats(true)

		if _, err := unix.Poll(pfds, pollTimeout); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			obs.ErrorsTotal.WithLabelValues("poll").Inc()
			return fmt.Errorf("poll: %w", err)
		}
		if pfds[0].Revents != 0 {
			s.drainWake()
		}

		off := 1
		for i, l := range ls {
			if pfds[off+i].Revents == 0 || l.FD < 0 {
				continue
			}
			if l.Stream() {
				s.acceptClient(l)
				continue
			}
			if err := s.resolveUDP(l); err != nil {
				obs.Info("udp.unresolved", obs.Fields{"listener": l.String(), "err": err})
			}
		}

		off += len(ls)
		for i, rec := range rs {
			if pfds[off+i].Revents == 0 || !rec.Alive() {
				continue
			}
			s.serviceWorker(rec)
		}

		if s.maintenanceDue.Swap(false) {
			s.maintain()
		}
		if s.reapDue.Swap(false) {
			s.reapChildren()
		}
	}
}

// pollSet lays out the wake pipe, then usable listeners, then live control
// channels.
func (s *Server) pollSet(pfds []unix.PollFd, ls []*listen.Listener, rs []*registry.Record) ([]unix.PollFd, []*listen.Listener, []*registry.Record) {
	pfds = append(pfds, unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN})
	for _, l := range s.listeners.Listeners() {
		if l.FD < 0 {
			continue
		}
		if err := unix.SetNonblock(l.FD, true); err != nil {
			obs.Error("listen.nonblock", obs.Fields{"listener": l.String(), "err": err})
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(l.FD), Events: unix.POLLIN})
		ls = append(ls, l)
	}
	for _, rec := range s.reg.Records() {
		if !rec.Alive() {
			continue
		}
		ev := int16(unix.POLLIN)
		if len(rec.Outbox) > 0 {
			ev |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(rec.FD), Events: ev})
		rs = append(rs, rec)
	}
	return pfds, ls, rs
}

func (s *Server) forwardSignals(ctx context.Context, sigs <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			s.Stop()
			return
		case sig := <-sigs:
			switch sig {
			case syscall.SIGCHLD:
				s.reapDue.Store(true)
				s.wake()
			default:
				obs.Info("master.signal", obs.Fields{"signal": sig.String()})
				s.Stop()
			}
		}
	}
}

func (s *Server) wake() {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	if s.wakeW < 0 {
		return
	}
	// a full pipe already guarantees a wakeup
	_, _ = unix.Write(s.wakeW, []byte{1})
}

func (s *Server) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(s.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (s *Server) closeWake() {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	if s.wakeW >= 0 {
		_ = unix.Close(s.wakeW)
		_ = unix.Close(s.wakeR)
		s.wakeW, s.wakeR = -1, -1
	}
}

func (s *Server) publishStats(ready bool) {
	st := &Stats{
		Active:  s.reg.Active(),
		Records: s.reg.Len(),
		Started: s.started,
		Ready:   ready && !s.terminate.Load(),
		Closing: s.terminate.Load(),
	}
	for _, l := range s.listeners.Listeners() {
		if l.FD >= 0 {
			st.Listeners = append(st.Listeners, l.String())
		}
	}
	if s.leases != nil {
		st.LeasesInUse = s.leases.InUse()
	}
	s.stats.Store(st)
	obs.ActiveClients.Set(float64(st.Active))
}

func (s *Server) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}
