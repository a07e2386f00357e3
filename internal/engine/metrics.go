package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Checks: локальные проверки гардианами (passed / denied)
	Checks *prometheus.CounterVec

	// Denials: отказы по гардианам (все, не только первичный)
	Denials *prometheus.CounterVec

	// Outcomes: терминальные исходы отправок
	Outcomes *prometheus.CounterVec

	// Latency: от submit до терминального события
	LifecycleDuration *prometheus.HistogramVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure) и сброшенные записи
	AuditBufferFill prometheus.Gauge
	AuditDropped    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Checks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_checks_total",
			Help: "Local guardian checks by result.",
		}, []string{"mode", "result"}), // mode: submit, evaluate

		Denials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_denials_total",
			Help: "Guardian denials by guardian type.",
		}, []string{"guardian"}),

		Outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "guardian_lifecycle_outcomes_total",
			Help: "Terminal lifecycle outcomes by stage and decision source.",
		}, []string{"stage", "source"}),

		LifecycleDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guardian_lifecycle_duration_seconds",
			Help:    "Time from submit to terminal stage.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "guardian_circuit_breaker_state",
			Help: "Current state of the signer circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "guardian_audit_buffer_utilization",
			Help: "Current number of records in audit buffer.",
		}),

		AuditDropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "guardian_audit_dropped_total",
			Help: "Audit records dropped because of buffer overflow or shutdown.",
		}),
	}
}
