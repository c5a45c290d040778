// Package metrics exposes Prometheus gauges for the pool's container
// lattice and active session count, updated from the Pool Manager's
// status-changed listener hook. Grounded on cuemby-warren's
// pkg/metrics/metrics.go (prometheus.NewGaugeVec per component with a
// label dimension) and Generativebots-ocx-backend-go-svc's per-package
// metrics.go, both gauge-per-component Prometheus setups.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codepod-dev/codepod-go/internal/model"
	"github.com/codepod-dev/codepod-go/internal/pool"
)

var (
	ContainersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codepod_containers",
			Help: "Number of engine containers managed by codepod, by status",
		},
		[]string{"status"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codepod_active_sessions",
			Help: "Number of currently Active sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(ContainersByStatus, ActiveSessions)
}

// Collector refreshes the gauges above from a pool.Manager's status
// snapshot. Register it as a pool.Listener so every pool mutation
// (prewarm, Acquire, Release, CreateManual, DeleteAll) keeps Prometheus in
// sync without polling. A Reconciler pass does not fire the listener.
type Collector struct {
	pool *pool.Manager
}

func NewCollector(pl *pool.Manager) *Collector {
	return &Collector{pool: pl}
}

// Refresh is the pool.Listener callback. It reads the pool's
// StatusSnapshot, which queries the store without taking the pool mutex,
// using a fresh background context since listeners receive none.
func (c *Collector) Refresh() {
	status, err := c.pool.StatusSnapshot(context.Background())
	if err != nil {
		return
	}
	ContainersByStatus.WithLabelValues(string(model.ContainerIdle)).Set(float64(status.Idle))
	ContainersByStatus.WithLabelValues(string(model.ContainerBusy)).Set(float64(status.Busy))
	ContainersByStatus.WithLabelValues(string(model.ContainerWarming)).Set(float64(status.Warming))
	ContainersByStatus.WithLabelValues(string(model.ContainerDestroying)).Set(float64(status.Destroying))
	ActiveSessions.Set(float64(status.ActiveSessions))
}
