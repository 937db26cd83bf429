package validator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics экспортирует показатели валидатора в Prometheus.
// Метрики:
// * sync_validator_checks_total{type,result} — counter
// * sync_validator_violations_total{kind,severity} — counter
// * sync_validator_tracked_entities — gauge
type Metrics struct {
	Checks          *prometheus.CounterVec
	Violations      *prometheus.CounterVec
	TrackedEntities prometheus.Gauge
}

// NewMetrics создаёт метрики и регистрирует их в дефолтном регистре
func NewMetrics() *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sync",
			Name:      "validator_checks_total",
			Help:      "Количество проверок по типу и результату.",
		}, []string{"type", "result"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sync",
			Name:      "validator_violations_total",
			Help:      "Количество нарушений по виду и тяжести.",
		}, []string{"kind", "severity"}),
		TrackedEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sync",
			Name:      "validator_tracked_entities",
			Help:      "Текущее количество отслеживаемых отправителей.",
		}),
	}

	prometheus.MustRegister(m.Checks, m.Violations, m.TrackedEntities)
	return m
}
