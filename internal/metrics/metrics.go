// Package metrics provides Prometheus metrics for the sync server and the
// detection pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. Each instance owns its registry so several
// servers can run side by side in one process.
type Metrics struct {
	registry *prometheus.Registry

	SyncRequestsTotal  *prometheus.CounterVec
	SyncDuration       *prometheus.HistogramVec
	BroadcastsTotal    *prometheus.CounterVec
	BroadcastDropped   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionsRefused prometheus.Counter

	FragmentsTotal   *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	CorpusRebuilds   prometheus.Counter
	CacheSyncFailure prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SyncRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_sync_requests_total",
			Help: "Sync requests served, by mode and status",
		}, []string{"mode", "status"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coach_sync_duration_seconds",
			Help:    "Duration of sync requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_broadcast_events_total",
			Help: "Change events fanned out to team rooms",
		}, []string{"kind", "action"}),
		BroadcastDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_broadcast_dropped_total",
			Help: "Events not queued because a connection's send buffer was full",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coach_connections_active",
			Help: "Connections currently admitted to a team room",
		}),
		ConnectionsRefused: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_connections_refused_total",
			Help: "Connections refused at admission",
		}),
		FragmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_fragments_total",
			Help: "Transcript fragments processed, by result",
		}, []string{"result"}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_alerts_total",
			Help: "Alert candidates, by kind and outcome",
		}, []string{"kind", "outcome"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coach_call_sessions_active",
			Help: "Call sessions currently open",
		}),
		CorpusRebuilds: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_corpus_rebuilds_total",
			Help: "Matcher corpus rebuilds",
		}),
		CacheSyncFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_cache_sync_failures_total",
			Help: "Failed client cache sync attempts",
		}),
	}
}

// Handler exposes this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
