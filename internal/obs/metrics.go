package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients         = promauto.NewGauge(prometheus.GaugeOpts{Name: "vpnd_active_clients", Help: "Currently registered worker processes"})
	WorkersSpawnedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "vpnd_workers_spawned_total", Help: "Worker processes spawned"})
	RejectedTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vpnd_connections_rejected_total", Help: "TCP connections closed without a worker"}, []string{"reason"})
	UDPHandoffsTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "vpnd_udp_handoffs_total", Help: "UDP sockets handed to workers"})
	UDPDiscardedTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vpnd_udp_discarded_total", Help: "UDP datagrams discarded by the resolver"}, []string{"reason"})
	TeardownsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vpnd_worker_teardowns_total", Help: "Workers removed from the registry"}, []string{"reason"})
	ChildrenFailedTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "vpnd_children_failed_total", Help: "Reaped children that exited non-zero or on a fault signal"})
	MaintenanceRunsTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "vpnd_maintenance_runs_total", Help: "Periodic maintenance passes"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vpnd_errors_total", Help: "Errors by type"}, []string{"type"})
	WorkerLifetimeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "vpnd_worker_lifetime_seconds", Help: "Worker lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.5, 2, 18)})
)
