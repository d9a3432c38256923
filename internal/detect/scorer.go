package detect

import (
	"strings"

	"github.com/maristack/vigia-core/internal/models"
)

// normalOperational lists message fragments that mark routine traffic:
// startup banners, heartbeat confirmations, clean link transitions.
// Matching records never become anomalies regardless of level.
var normalOperational = []string{
	"started successfully",
	"startup complete",
	"service started",
	"listening on",
	"heartbeat ok",
	"heartbeat received",
	"keepalive",
	"connection established",
	"link restored",
	"scheduled maintenance",
}

// severityFromLevel lifts a log level to a severity. The second return
// is false for levels that never produce anomalies.
func severityFromLevel(level string) (models.Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "CRITICAL", "CRIT", "FATAL", "EMERG", "ALERT":
		return models.SeverityCritical, true
	case "ERROR", "ERR":
		return models.SeverityHigh, true
	case "WARN", "WARNING":
		return models.SeverityMedium, true
	case "INFO", "DEBUG", "TRACE":
		return "", false
	default:
		return models.SeverityLow, true
	}
}

// isNormalOperational reports whether the message matches the
// allow-list of routine operational chatter.
func isNormalOperational(message string) bool {
	msg := strings.ToLower(message)
	for _, marker := range normalOperational {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// logAnomalyTypes maps message fragments to anomaly tags. First match
// wins; unmatched messages fall back to log_{severity}.
var logAnomalyTypes = []struct {
	needle string
	tag    string
}{
	{"connection refused", "connection_refused"},
	{"connection reset", "connection_reset"},
	{"packet loss", "packet_loss"},
	{"timed out", "timeout"},
	{"timeout", "timeout"},
	{"unreachable", "unreachable"},
	{"authentication fail", "auth_failure"},
	{"login failed", "auth_failure"},
	{"permission denied", "auth_failure"},
	{"out of memory", "resource_exhaustion"},
	{"disk full", "disk_full"},
	{"no space left", "disk_full"},
	{"signal lost", "signal_loss"},
	{"link down", "link_down"},
	{"checksum", "data_corruption"},
}

func logAnomalyType(message string, severity models.Severity) string {
	msg := strings.ToLower(message)
	for _, at := range logAnomalyTypes {
		if strings.Contains(msg, at.needle) {
			return at.tag
		}
	}
	return "log_" + string(severity)
}

// LogScore is the outcome of scoring one log record.
type LogScore struct {
	Severity    models.Severity
	Score       float64
	AnomalyType string
}

// ScoreLog rates a log record. ok is false when the record is routine
// (filtered level or allow-listed message) and no anomaly is emitted;
// reason then names the drop cause for counters.
func ScoreLog(rec *RawRecord) (LogScore, bool, string) {
	severity, scored := severityFromLevel(rec.Level)
	if !scored {
		return LogScore{}, false, "filtered_level"
	}
	if isNormalOperational(rec.Message) {
		return LogScore{}, false, "normal_operational"
	}
	return LogScore{
		Severity:    severity,
		Score:       severity.Score(),
		AnomalyType: logAnomalyType(rec.Message, severity),
	}, true, ""
}
