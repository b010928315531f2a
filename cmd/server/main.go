//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/matst80/vpnd/internal/dtls"
	"github.com/matst80/vpnd/internal/lease"
	"github.com/matst80/vpnd/internal/listen"
	"github.com/matst80/vpnd/internal/master"
	"github.com/matst80/vpnd/internal/obs"
	"github.com/matst80/vpnd/internal/ratelimit"
	"github.com/matst80/vpnd/internal/worker"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == master.WorkerCommand {
		os.Exit(worker.Run(context.Background(), worker.LineBody{}))
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "vpnd: .env: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(args, env.ToMap(os.Environ()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "vpnd: %v\n", err)
		return 1
	}
	obs.Setup(os.Stderr, cfg.LogFormat, "master", cfg.Debug)

	if os.Geteuid() != 0 {
		obs.Error("server.not_root", obs.Fields{"euid": os.Geteuid()})
		return 1
	}
	if !cfg.Foreground {
		obs.Info("server.foreground", obs.Fields{"note": "running attached; use a service manager to detach"})
	}
	policy, _ := dtls.ParseVersionPolicy(cfg.DTLSVersionCheck)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	set, err := listen.BindAll(ctx, net.DefaultResolver, cfg.ListenHost, cfg.TCPPort, cfg.UDPPort)
	if err != nil {
		obs.Error("listen.bind", obs.Fields{"err": err.Error()})
		return 1
	}
	cookies, sessions, err := newBackends(cfg)
	if err != nil {
		set.Close()
		obs.Error("state.backend", obs.Fields{"err": err.Error()})
		return 1
	}
	// until the master owns them
	release := func() {
		set.Close()
		_ = cookies.Close()
		_ = sessions.Close()
	}

	var pool *lease.Pool
	if cfg.LeaseNetwork != "" {
		if pool, err = lease.NewPool(cfg.LeaseNetwork); err != nil {
			release()
			obs.Error("lease.pool", obs.Fields{"err": err.Error(), "network": cfg.LeaseNetwork})
			return 1
		}
	}
	var limiter *ratelimit.AcceptLimiter
	if cfg.RateGlobal > 0 || cfg.RatePerIP > 0 {
		limiter = ratelimit.NewAcceptLimiter(cfg.RateGlobal, cfg.RatePerIP, cfg.RateBurst)
	}

	encoded, err := cfg.workerConfig().Encode()
	if err != nil {
		release()
		obs.Error("worker.config", obs.Fields{"err": err.Error()})
		return 1
	}
	srv, err := master.New(master.Config{
		MaxClients:     cfg.MaxClients,
		CookieValidity: cfg.cookieValidity(),
		VersionPolicy:  policy,
	}, master.Deps{
		Listeners: set,
		Spawner:   &master.ExecSpawner{Env: workerEnv(os.Environ(), encoded), Stderr: os.Stderr},
		Procs:     master.SysProcs{},
		Cookies:   cookies,
		TLS:       sessions,
		Leases:    pool,
		Limiter:   limiter,
	})
	if err != nil {
		release()
		obs.Error("server.init", obs.Fields{"err": err.Error()})
		return 1
	}
	obs.Info("server.start", obs.Fields{
		"listeners":   len(set.Listeners()),
		"max_clients": cfg.MaxClients,
		"dtls_policy": policy.String(),
		"metrics":     cfg.MetricsAddr,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return srv.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, srv) })
	}
	if err := g.Wait(); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		return 1
	}
	obs.Info("server.stopped", obs.Fields{})
	return 0
}
