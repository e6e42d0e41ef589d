package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the rate governor. A nil *Metrics is a no-op.
type Metrics struct {
	DecisionsTotal   *prometheus.CounterVec
	LockoutsTotal    *prometheus.CounterVec
	CASConflicts     prometheus.Counter
	StoreErrorsTotal *prometheus.CounterVec
	Degraded         prometheus.Gauge
	SweptTotal       prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftgate_ratelimit_decisions_total",
			Help: "Rate-limit checks by endpoint class and outcome",
		}, []string{"class", "outcome"}),
		LockoutsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftgate_ratelimit_lockouts_total",
			Help: "Windows that transitioned into lockout, by endpoint class",
		}, []string{"class"}),
		CASConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "shiftgate_ratelimit_cas_conflicts_total",
			Help: "Compare-and-swap attempts lost to a concurrent writer",
		}),
		StoreErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shiftgate_ratelimit_store_errors_total",
			Help: "Window store failures by operation",
		}, []string{"op"}),
		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "shiftgate_ratelimit_degraded",
			Help: "1 while the shared window store is bypassed in favour of the in-process store",
		}),
		SweptTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "shiftgate_ratelimit_swept_records_total",
			Help: "Stale window records evicted by the sweeper",
		}),
	}
}

func (m *Metrics) ObserveDecision(class, outcome string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) IncrementLockouts(class string) {
	if m == nil {
		return
	}
	m.LockoutsTotal.WithLabelValues(class).Inc()
}

func (m *Metrics) IncrementCASConflicts() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

func (m *Metrics) IncrementStoreErrors(op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.Degraded.Set(1)
		return
	}
	m.Degraded.Set(0)
}

func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptTotal.Add(float64(n))
}
