package insight

import (
	"fmt"
	"strings"

	"github.com/maristack/vigia-core/internal/models"
)

const maxEvidenceInPrompt = 5

// rootCausePrompt asks for a root-cause analysis of the incident.
func rootCausePrompt(inc *models.IncidentCreated) string {
	var sb strings.Builder
	sb.WriteString("You are an operations assistant for maritime vessel IT systems.\n")
	fmt.Fprintf(&sb, "Incident: %d correlated %s anomalies on ship %s, severity %s.\n",
		len(inc.Evidence), inc.IncidentType, inc.ShipID, inc.Severity)
	if inc.Meta.Service != "" {
		fmt.Fprintf(&sb, "Affected service: %s.\n", inc.Meta.Service)
	}
	if inc.Meta.MetricName != "" {
		fmt.Fprintf(&sb, "Triggering metric: %s.\n", inc.Meta.MetricName)
	}
	sb.WriteString("Evidence:\n")
	for i, e := range inc.Evidence {
		if i == maxEvidenceInPrompt {
			fmt.Fprintf(&sb, "- and %d more\n", len(inc.Evidence)-maxEvidenceInPrompt)
			break
		}
		fmt.Fprintf(&sb, "- [%s score=%.2f] %s\n", e.Detector, e.Score, e.Msg)
	}
	sb.WriteString("State the most likely root cause in two or three sentences. Ship systems are offshore with limited connectivity; prefer causes diagnosable onboard.")
	return sb.String()
}

// remediationPrompt asks for remediation steps given the root-cause
// text and any resolutions recalled from similar past incidents.
func remediationPrompt(inc *models.IncidentCreated, rootCause string, similar []models.SimilarIncident) string {
	var sb strings.Builder
	sb.WriteString("You are an operations assistant for maritime vessel IT systems.\n")
	fmt.Fprintf(&sb, "Incident: %s anomalies on ship %s, severity %s", inc.IncidentType, inc.ShipID, inc.Severity)
	if inc.Meta.Service != "" {
		fmt.Fprintf(&sb, ", service %s", inc.Meta.Service)
	}
	sb.WriteString(".\n")
	fmt.Fprintf(&sb, "Root cause analysis:\n%s\n", rootCause)
	for _, s := range similar {
		if s.Resolution == "" {
			continue
		}
		fmt.Fprintf(&sb, "A similar past incident was resolved by: %s\n", s.Resolution)
	}
	sb.WriteString("List up to five numbered remediation steps the onboard crew can execute, most urgent first.")
	return sb.String()
}

// serviceOr returns the incident's service name or a readable stand-in
// for the templated fallbacks.
func serviceOr(inc *models.IncidentCreated, fallback string) string {
	if inc.Meta.Service != "" {
		return inc.Meta.Service
	}
	return fallback
}

// fallbackRootCause covers LLM failure or budget exhaustion with a
// deterministic template. Always non-empty.
func fallbackRootCause(inc *models.IncidentCreated) string {
	return fmt.Sprintf(
		"Automated root-cause analysis was unavailable. %d correlated %s anomalies of severity %s point at %s; review the evidence timeline for the triggering event.",
		len(inc.Evidence), inc.IncidentType, inc.Severity, serviceOr(inc, "the affected subsystem"))
}

// fallbackRemediation mirrors fallbackRootCause for the remediation
// slot.
func fallbackRemediation(inc *models.IncidentCreated) string {
	return fmt.Sprintf(
		"1. Acknowledge this %s-severity %s incident. 2. Check the health of %s on ship %s and restart it if unresponsive. 3. Verify link and power status for the affected equipment. 4. Escalate to fleet operations if anomalies continue.",
		inc.Severity, inc.IncidentType, serviceOr(inc, "the affected service"), inc.ShipID)
}
