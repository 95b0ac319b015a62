// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pdiddy/research-crew/internal/faults"
	"github.com/pdiddy/research-crew/pkg/types"
)

// metrics holds the orchestrator's Prometheus collectors. They are
// registered on the registerer passed to New, never on the global
// default registry. A nil *metrics records nothing.
type metrics struct {
	queries       *prometheus.CounterVec
	activeQueries prometheus.Gauge
	tasks         *prometheus.CounterVec
	retries       *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	cacheHits     prometheus.Counter
	calls         *prometheus.CounterVec
	leasesInUse   prometheus.Gauge
	leaseWait     prometheus.Histogram
	leaseExpired  prometheus.Counter
	overruns      *prometheus.CounterVec
	backfilled    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "research_crew_queries_total",
			Help: "Research queries that reached a terminal state, by state.",
		}, []string{"state"}),
		activeQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "research_crew_active_queries",
			Help: "Research queries currently running.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "research_crew_tasks_total",
			Help: "Stage tasks that reached a terminal status, by stage and status.",
		}, []string{"stage", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "research_crew_task_retries_total",
			Help: "Task retries after transient failures, by stage.",
		}, []string{"stage"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "research_crew_task_duration_seconds",
			Help:    "Stage task duration including retries.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "research_crew_analyze_cache_hits_total",
			Help: "Analyze tasks served from the memory store without a completion call.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "research_crew_capability_calls_total",
			Help: "Capability provider calls, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		leasesInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "research_crew_leases_in_use",
			Help: "Capability leases currently held.",
		}),
		leaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "research_crew_lease_wait_seconds",
			Help:    "Time spent waiting for a capability lease.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}),
		leaseExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "research_crew_leases_expired_total",
			Help: "Capability leases reclaimed after expiry.",
		}),
		overruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "research_crew_lease_overruns_total",
			Help: "Capability calls that succeeded after their lease expired, by kind.",
		}, []string{"kind"}),
		backfilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "research_crew_backfill_embeddings_total",
			Help: "Pending embeddings processed by backfill, by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.queries, m.activeQueries, m.tasks, m.retries, m.taskDuration, m.cacheHits,
		m.calls, m.leasesInUse, m.leaseWait, m.leaseExpired, m.overruns, m.backfilled,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) queryStarted() {
	if m == nil {
		return
	}
	m.activeQueries.Inc()
}

func (m *metrics) queryFinished(state types.PipelineState) {
	if m == nil {
		return
	}
	m.activeQueries.Dec()
	m.queries.WithLabelValues(string(state)).Inc()
}

func (m *metrics) taskFinished(t types.AgentTask) {
	if m == nil {
		return
	}
	stage := string(t.Stage)
	m.tasks.WithLabelValues(stage, string(t.Status)).Inc()
	if !t.StartedAt.IsZero() {
		m.taskDuration.WithLabelValues(stage).Observe(t.FinishedAt.Sub(t.StartedAt).Seconds())
	}
	if t.CacheHit {
		m.cacheHits.Inc()
	}
}

func (m *metrics) taskRetried(stage types.Stage) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(stage)).Inc()
}

func (m *metrics) capabilityCall(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = faults.Classify(err).String()
	}
	m.calls.WithLabelValues(kind, outcome).Inc()
}

func (m *metrics) leaseGranted(inUse int, waited time.Duration) {
	if m == nil {
		return
	}
	m.leasesInUse.Set(float64(inUse))
	m.leaseWait.Observe(waited.Seconds())
}

func (m *metrics) leaseReleased(inUse int) {
	if m == nil {
		return
	}
	m.leasesInUse.Set(float64(inUse))
}

func (m *metrics) leasesExpired(n, inUse int) {
	if m == nil {
		return
	}
	m.leaseExpired.Add(float64(n))
	m.leasesInUse.Set(float64(inUse))
}

func (m *metrics) callOverran(kind string) {
	if m == nil {
		return
	}
	m.overruns.WithLabelValues(kind).Inc()
}

func (m *metrics) backfill(committed, failed int) {
	if m == nil {
		return
	}
	m.backfilled.WithLabelValues("committed").Add(float64(committed))
	m.backfilled.WithLabelValues("pending").Add(float64(failed))
}
