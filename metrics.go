package prefork

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus instruments for the fleet. A nil *metrics
// is valid and every observe method is a no-op on it, so the supervisor
// never branches on whether metrics are enabled.
type metrics struct {
	registry *prometheus.Registry

	workersByStatus *prometheus.GaugeVec
	crashesTotal    *prometheus.CounterVec
	disabledTotal   prometheus.Counter
	restartCycles   prometheus.Counter
	shutdownGauge   prometheus.Gauge
	restartGauge    prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()

	m := &metrics{
		registry: registry,

		workersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prefork_workers",
			Help: "Number of worker slots by lifecycle status",
		}, []string{"status"}),

		crashesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prefork_worker_crashes_total",
			Help: "Total crashes observed per worker slot",
		}, []string{"worker"}),

		disabledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefork_workers_disabled_total",
			Help: "Slots disabled by the crash-rate limiter",
		}),

		restartCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefork_rolling_restarts_total",
			Help: "Completed rolling-restart cycles",
		}),

		shutdownGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prefork_shutdown_requested",
			Help: "1 once shutdown has been requested",
		}),

		restartGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prefork_rolling_restart_active",
			Help: "1 while a rolling restart is in progress",
		}),
	}

	registry.MustRegister(
		m.workersByStatus,
		m.crashesTotal,
		m.disabledTotal,
		m.restartCycles,
		m.shutdownGauge,
		m.restartGauge,
	)
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// observeCrash increments the per-slot crash counter
func (m *metrics) observeCrash(id WorkerID) {
	if m == nil {
		return
	}
	m.crashesTotal.WithLabelValues(strconv.Itoa(int(id))).Inc()
}

// observeDisabled counts a slot disabled by the rate limiter
func (m *metrics) observeDisabled() {
	if m == nil {
		return
	}
	m.disabledTotal.Inc()
}

// observeRestartCycle counts a completed rolling restart
func (m *metrics) observeRestartCycle() {
	if m == nil {
		return
	}
	m.restartCycles.Inc()
}

// observeFleet refreshes the per-status gauges from a fleet snapshot
func (m *metrics) observeFleet(s *supervisor) {
	if m == nil {
		return
	}
	st := s.stats()
	m.workersByStatus.WithLabelValues(StatusUnstarted.String()).Set(float64(st.Unstarted))
	m.workersByStatus.WithLabelValues(StatusStarting.String()).Set(float64(st.Starting))
	m.workersByStatus.WithLabelValues(StatusActive.String()).Set(float64(st.Active))
	m.workersByStatus.WithLabelValues(StatusStopping.String()).Set(float64(st.Stopping))
	m.workersByStatus.WithLabelValues(StatusCrashed.String()).Set(float64(st.Crashed))
	m.workersByStatus.WithLabelValues(StatusRespawning.String()).Set(float64(st.Respawning))
	m.workersByStatus.WithLabelValues(StatusDisabled.String()).Set(float64(st.Disabled))

	if st.ShutdownRequested {
		m.shutdownGauge.Set(1)
	} else {
		m.shutdownGauge.Set(0)
	}
	if st.RestartActive {
		m.restartGauge.Set(1)
	} else {
		m.restartGauge.Set(0)
	}
}
