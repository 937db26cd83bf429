package validator

import (
	"time"
)

// Severity тяжесть нарушения
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String возвращает строковое представление тяжести
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ViolationKind вид нарушения
type ViolationKind string

const (
	ViolationSpeed       ViolationKind = "speed"
	ViolationOutOfBounds ViolationKind = "out_of_bounds"
	ViolationSizeRange   ViolationKind = "size_range"
	ViolationSizeGain    ViolationKind = "size_gain"
	ViolationCollision   ViolationKind = "collision"
	ViolationConsume     ViolationKind = "consume"
	ViolationRateLimit   ViolationKind = "rate_limit"
	ViolationStaleClock  ViolationKind = "stale_clock"
)

// Violation запись о нарушении для журнала и наблюдаемости
type Violation struct {
	EntityID  string
	Kind      ViolationKind
	Severity  Severity
	Details   string
	Timestamp time.Time
}

// RiskLevel агрегированный уровень риска отправителя
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
)

// String возвращает строковое представление уровня риска
func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "none"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// severityWeight вес нарушения при расчёте риска
func severityWeight(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 15
	default:
		return 0
	}
}

// riskWindow окно, в котором нарушения учитываются при расчёте риска
const riskWindow = time.Minute

// riskFromViolations сворачивает журнал нарушений в уровень риска
func riskFromViolations(violations []Violation, now time.Time) RiskLevel {
	cutoff := now.Add(-riskWindow)
	score := 0
	for _, v := range violations {
		if v.Timestamp.Before(cutoff) {
			continue
		}
		score += severityWeight(v.Severity)
	}

	switch {
	case score == 0:
		return RiskNone
	case score < 5:
		return RiskLow
	case score < 15:
		return RiskMedium
	default:
		return RiskHigh
	}
}
