package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the admission pipeline. A nil *Metrics is a no-op.
type Metrics struct {
	AdmissionsTotal           *prometheus.CounterVec
	AdmissionDuration         *prometheus.HistogramVec
	EvidenceViolationsTotal   prometheus.Counter
	InvariantViolationsTotal  prometheus.Counter
	CollaboratorFailuresTotal *prometheus.CounterVec
	GeofenceDistanceMeters    prometheus.Histogram
	LocationLookupsCoalesced  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AdmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftgate_admission_requests_total",
			Help: "Check-in and check-out attempts by operation and outcome",
		}, []string{"operation", "outcome"}),
		AdmissionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shiftgate_admission_duration_seconds",
			Help:    "End-to-end admission latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		EvidenceViolationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "shiftgate_admission_evidence_violations_total",
			Help: "Evidence references rejected as belonging to another principal or namespace",
		}),
		InvariantViolationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "shiftgate_admission_invariant_violations_total",
			Help: "Fatal ledger invariant violations; any increase should page",
		}),
		CollaboratorFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftgate_admission_collaborator_failures_total",
			Help: "Identity, location and ledger failures by collaborator and code",
		}, []string{"collaborator", "code"}),
		GeofenceDistanceMeters: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shiftgate_admission_geofence_distance_meters",
			Help:    "Measured distance from the location at admission time",
			Buckets: []float64{5, 10, 25, 50, 100, 150, 250, 500, 1000, 5000},
		}),
		LocationLookupsCoalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "shiftgate_admission_location_lookups_coalesced_total",
			Help: "Location lookups answered by an in-flight identical lookup",
		}),
	}
}

func (m *Metrics) ObserveAdmission(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(operation, outcome).Inc()
	m.AdmissionDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IncrementEvidenceViolations() {
	if m == nil {
		return
	}
	m.EvidenceViolationsTotal.Inc()
}

func (m *Metrics) IncrementInvariantViolations() {
	if m == nil {
		return
	}
	m.InvariantViolationsTotal.Inc()
}

func (m *Metrics) IncrementCollaboratorFailure(collaborator, code string) {
	if m == nil {
		return
	}
	m.CollaboratorFailuresTotal.WithLabelValues(collaborator, code).Inc()
}

func (m *Metrics) ObserveDistance(meters float64) {
	if m == nil {
		return
	}
	m.GeofenceDistanceMeters.Observe(meters)
}

func (m *Metrics) IncrementCoalescedLookups() {
	if m == nil {
		return
	}
	m.LocationLookupsCoalesced.Inc()
}
