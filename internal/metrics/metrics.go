// Package metrics provides Prometheus instrumentation for the audit
// orchestrator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all orchestrator Prometheus metrics
type Metrics struct {
	// Ingestion metrics
	EventsConsumed  *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	MalformedEvents prometheus.Counter

	// Intake decisions
	PageAuditsStarted    prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	NotLandableSkipped   prometheus.Counter
	QuotaDenials         prometheus.Counter

	// Completion metrics
	PageAuditsCompleted   prometheus.Counter
	DomainAuditsCompleted prometheus.Counter
	AuditsErrored         prometheus.Counter

	// Session and cluster metrics
	ActiveSessions prometheus.Gauge
	LivePeers      prometheus.Gauge
}

// New initializes all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry initializes all metrics on the given registry. Tests use
// this with a fresh registry to avoid duplicate registration panics.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_events_consumed_total",
			Help: "Lifecycle events consumed from the bus, by event type",
		}, []string{"event_type"}),
		EventsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_events_failed_total",
			Help: "Events whose handling failed and will be redelivered, by event type",
		}, []string{"event_type"}),
		MalformedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_events_malformed_total",
			Help: "Events dropped because the payload could not be decoded",
		}),
		PageAuditsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_page_audits_started_total",
			Help: "Page audit records created and dispatched to auditors",
		}),
		DuplicatesSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_duplicates_suppressed_total",
			Help: "Page-built events that matched an existing page audit record",
		}),
		NotLandableSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_not_landable_skipped_total",
			Help: "Page-built events skipped because the page is not landable",
		}),
		QuotaDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_quota_denials_total",
			Help: "Page audits denied by the subscription page limit",
		}),
		PageAuditsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_page_audits_completed_total",
			Help: "Page audit records transitioned to COMPLETE",
		}),
		DomainAuditsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_domain_audits_completed_total",
			Help: "Domain audit records transitioned to COMPLETE",
		}),
		AuditsErrored: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_audits_errored_total",
			Help: "Audit records transitioned to ERROR",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_sessions",
			Help: "Orchestration sessions currently running in this instance",
		}),
		LivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_live_peers",
			Help: "Orchestrator instances currently heartbeating on the cluster channel",
		}),
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
