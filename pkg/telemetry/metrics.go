// Package telemetry exposes Prometheus metrics for the detection and
// intervention pipeline. All methods are nil-safe so callers can pass a
// nil *Metrics when metrics are disabled.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics covers the pipeline's counters and histograms.
type Metrics struct {
	assessmentsTotal  *prometheus.CounterVec
	assessmentLatency prometheus.Histogram
	cacheHitsTotal    prometheus.Counter

	protocolsStarted *prometheus.CounterVec
	protocolsEnded   *prometheus.CounterVec
	stepRetriesTotal prometheus.Counter
	sweepExpired     prometheus.Counter

	escalationsTotal   *prometheus.CounterVec
	escalationReRaises prometheus.Counter

	thresholdAdjusts *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		assessmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "classifier",
			Name:      "assessments_total",
			Help:      "Total assessments by aggregate severity",
		}, []string{"severity", "low_confidence"}),
		assessmentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vigil",
			Subsystem: "classifier",
			Name:      "assessment_latency_seconds",
			Help:      "Latency of a full classification",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "classifier",
			Name:      "cache_hits_total",
			Help:      "Assessments served from the fingerprint cache",
		}),
		protocolsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "protocol",
			Name:      "started_total",
			Help:      "Protocol instances started by template",
		}, []string{"template"}),
		protocolsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "protocol",
			Name:      "ended_total",
			Help:      "Protocol instances reaching a terminal state",
		}, []string{"template", "state"}),
		stepRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "protocol",
			Name:      "step_retries_total",
			Help:      "Step execution retries",
		}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "protocol",
			Name:      "sweep_expired_total",
			Help:      "Instances expired by the deadline sweep",
		}),
		escalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "escalation",
			Name:      "dispatched_total",
			Help:      "Escalation dispatches by final status",
		}, []string{"urgency", "status"}),
		escalationReRaises: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "escalation",
			Name:      "re_raises_total",
			Help:      "Escalations re-raised one urgency tier",
		}),
		thresholdAdjusts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vigil",
			Subsystem: "threshold",
			Name:      "adjustments_total",
			Help:      "Boundary adjustments by outcome",
		}, []string{"domain", "outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.assessmentsTotal, m.assessmentLatency, m.cacheHitsTotal,
		m.protocolsStarted, m.protocolsEnded, m.stepRetriesTotal, m.sweepExpired,
		m.escalationsTotal, m.escalationReRaises, m.thresholdAdjusts,
	)
	return m
}

func (m *Metrics) ObserveAssessment(severity string, lowConfidence bool, seconds float64) {
	if m == nil {
		return
	}
	label := "false"
	if lowConfidence {
		label = "true"
	}
	m.assessmentsTotal.WithLabelValues(severity, label).Inc()
	m.assessmentLatency.Observe(seconds)
}

func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) ObserveProtocolStarted(template string) {
	if m == nil {
		return
	}
	m.protocolsStarted.WithLabelValues(template).Inc()
}

func (m *Metrics) ObserveProtocolEnded(template, state string) {
	if m == nil {
		return
	}
	m.protocolsEnded.WithLabelValues(template, state).Inc()
}

func (m *Metrics) ObserveStepRetry() {
	if m == nil {
		return
	}
	m.stepRetriesTotal.Inc()
}

func (m *Metrics) ObserveSweepExpired(n int) {
	if m == nil {
		return
	}
	m.sweepExpired.Add(float64(n))
}

func (m *Metrics) ObserveEscalation(urgency, status string) {
	if m == nil {
		return
	}
	m.escalationsTotal.WithLabelValues(urgency, status).Inc()
}

func (m *Metrics) ObserveReRaise() {
	if m == nil {
		return
	}
	m.escalationReRaises.Inc()
}

func (m *Metrics) ObserveThresholdAdjustment(domain, outcome string) {
	if m == nil {
		return
	}
	m.thresholdAdjusts.WithLabelValues(domain, outcome).Inc()
}
