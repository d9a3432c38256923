package models

import "strings"

// Severity classifies anomalies and incidents. Total order:
// low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityPriority drives max-aggregation across evidence.
var severityPriority = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// severityScore is the fixed severity→score map applied by the detector.
var severityScore = map[Severity]float64{
	SeverityCritical: 0.95,
	SeverityHigh:     0.85,
	SeverityMedium:   0.70,
	SeverityLow:      0.50,
}

// ParseSeverity normalizes free-form input. Empty or unrecognized
// values map to low so priority comparisons never see a null operand.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityLow
	}
}

func (s Severity) Valid() bool {
	_, ok := severityPriority[s]
	return ok
}

// Priority returns the numeric rank 1..4. Unknown severities rank as
// low rather than failing the comparison.
func (s Severity) Priority() int {
	if p, ok := severityPriority[s]; ok {
		return p
	}
	return severityPriority[SeverityLow]
}

// Score returns the detector score assigned to this severity.
func (s Severity) Score() float64 {
	if v, ok := severityScore[s]; ok {
		return v
	}
	return severityScore[SeverityLow]
}

// MaxSeverity returns the higher-priority of a and b; a wins ties, so
// folding left over arrivals keeps the earlier one (stable).
func MaxSeverity(a, b Severity) Severity {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}
