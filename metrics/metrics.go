/*
Package metrics exposes Prometheus collectors for the engines.

PURPOSE:
  Recompute outcomes and latency, approval actions, and sweep results.
  Every method is nil-safe so engines can run without metrics (tests).

SEE ALSO:
  - api/server.go: serves the registry on /metrics
*/
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/commission-engine/generic"
)

const namespace = "commission_engine"

// Metrics owns its registry so several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	recomputes        *prometheus.CounterVec
	recomputeDuration prometheus.Histogram
	approvals         *prometheus.CounterVec
	sweepRuns         *prometheus.CounterVec
	sessionsClosed    prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputes_total",
			Help:      "Whole-day commission recomputes by outcome.",
		}, []string{"result"}),
		recomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Latency of a whole-day recompute including lock wait.",
			Buckets:   prometheus.DefBuckets,
		}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_actions_total",
			Help:      "Approval actions by action and whether the flag changed.",
		}, []string{"action", "changed"}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Day-boundary sweep runs by outcome.",
		}, []string{"result"}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_auto_stopped_total",
			Help:      "Work sessions force-closed by the sweep.",
		}),
	}
	m.registry.MustRegister(
		m.recomputes,
		m.recomputeDuration,
		m.approvals,
		m.sweepRuns,
		m.sessionsClosed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveRecompute(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.recomputeDuration.Observe(elapsed.Seconds())
	m.recomputes.WithLabelValues(recomputeResult(err)).Inc()
}

func recomputeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, generic.ErrGoalNotFound):
		return "goal_not_found"
	case errors.Is(err, generic.ErrConcurrentRecompute):
		return "conflict"
	default:
		return "error"
	}
}

func (m *Metrics) ObserveApproval(action generic.ActionType, changed bool) {
	if m == nil {
		return
	}
	label := "false"
	if changed {
		label = "true"
	}
	m.approvals.WithLabelValues(string(action), label).Inc()
}

func (m *Metrics) ObserveSweep(closed int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepRuns.WithLabelValues("error").Inc()
	} else {
		m.sweepRuns.WithLabelValues("ok").Inc()
	}
	m.sessionsClosed.Add(float64(closed))
}
