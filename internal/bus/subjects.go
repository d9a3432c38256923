package bus

// Bus subjects carrying the pipeline's records, in flow order.
const (
	SubjectLogsRaw           = "logs.raw"
	SubjectMetricsRaw        = "metrics.raw"
	SubjectRawAll            = "*.raw" // matches logs.raw and metrics.raw
	SubjectAnomalyDetected   = "anomaly.detected"
	SubjectAnomalyEnriched   = "anomaly.enriched"
	SubjectIncidentsCreated  = "incidents.created"
	SubjectIncidentsEnriched = "incidents.enriched"
)

const deadLetterPrefix = "deadletter."

// DeadLetterSubject returns the dead-letter subject paired with an
// origin subject, e.g. anomaly.enriched → deadletter.anomaly.enriched.
func DeadLetterSubject(origin string) string {
	return deadLetterPrefix + origin
}
