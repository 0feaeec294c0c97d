package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the prior-auth core.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	TransitionFailures *prometheus.CounterVec
	AuditWrites        prometheus.Counter
	AuditWriteFailures prometheus.Counter
	DecryptDenials     prometheus.Counter
	ConnectorAttempts  *prometheus.CounterVec
	ConnectorLatency   *prometheus.HistogramVec
	ExpirySweepExpired prometheus.Counter
	HTTPLatency        *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "priorauth_transitions_total",
			Help: "Authorization status transitions, by trigger and resulting status",
		}, []string{"trigger", "to"}),
		TransitionFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "priorauth_transition_failures_total",
			Help: "Rejected transition attempts, by failure kind",
		}, []string{"kind"}),
		AuditWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "priorauth_audit_writes_total",
			Help: "Audit records durably written",
		}),
		AuditWriteFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "priorauth_audit_write_failures_total",
			Help: "Audit writes that failed and aborted their mutation",
		}),
		DecryptDenials: promauto.NewCounter(prometheus.CounterOpts{
			Name: "priorauth_decrypt_denials_total",
			Help: "PHI decryption attempts denied by the capability check",
		}),
		ConnectorAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "priorauth_connector_attempts_total",
			Help: "Outbound payer connector attempts, by connector and outcome",
		}, []string{"connector", "outcome"}),
		ConnectorLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "priorauth_connector_latency_seconds",
			Help:    "Latency of payer connector calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"connector"}),
		ExpirySweepExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "priorauth_expiry_sweep_expired_total",
			Help: "Authorizations expired by the SLA sweep",
		}),
		HTTPLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "priorauth_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
}
