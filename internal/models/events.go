package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// AnomalyDetected is the detector's output: one scored, classified
// anomaly derived from a raw log or metric record. Never mutated after
// publish.
type AnomalyDetected struct {
	Envelope
	ShipID      string            `json:"ship_id"`
	DeviceID    string            `json:"device_id,omitempty"`
	Service     string            `json:"service,omitempty"`
	Domain      Domain            `json:"domain"`
	Detector    string            `json:"detector"`
	Score       float64           `json:"score"`
	Severity    Severity          `json:"severity"`
	AnomalyType string            `json:"anomaly_type"`
	MetricName  string            `json:"metric_name,omitempty"`
	MetricValue *float64          `json:"metric_value,omitempty"`
	Msg         string            `json:"msg"`
	RawMsg      string            `json:"raw_msg,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// Normalize fills defaults a consumer may rely on: absent severity
// becomes low. Called once after decode, before Validate.
func (a *AnomalyDetected) Normalize() {
	if !a.Severity.Valid() {
		a.Severity = ParseSeverity(string(a.Severity))
	}
}

func (a *AnomalyDetected) Validate() error {
	if err := a.Envelope.Validate(); err != nil {
		return err
	}
	if a.ShipID == "" {
		return &InvariantViolation{Invariant: "ship_id empty", TrackingID: a.TrackingID}
	}
	if a.Score < 0 || a.Score > 1 {
		return &InvariantViolation{
			Invariant:  fmt.Sprintf("score %.3f outside [0,1]", a.Score),
			TrackingID: a.TrackingID,
		}
	}
	return nil
}

// AnomalyEnriched adds contextual lookups and derived tags to a
// detected anomaly. Context maps a source name (device, history,
// similar, recent_incidents) to that source's payload; a failed lookup
// leaves {"error": reason} in its slot.
type AnomalyEnriched struct {
	AnomalyDetected
	Context map[string]any `json:"context"`
	Tags    []string       `json:"tags"`
}

// IncidentStatus tracks an incident through its lifecycle.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentAck      IncidentStatus = "ack"
	IncidentResolved IncidentStatus = "resolved"
)

// Evidence is the per-anomaly summary an incident carries. Opaque
// tracking id plus a small digest; no pointer back to the anomaly.
type Evidence struct {
	TrackingID string    `json:"tracking_id"`
	Timestamp  time.Time `json:"ts"`
	Detector   string    `json:"detector"`
	Score      float64   `json:"score"`
	Msg        string    `json:"msg"`
}

// IncidentMeta aggregates provenance for debugging: every contributing
// tracking id, the detector set, and the window size at fire time.
// Service, MetricName and SourceHost come from the first contributing
// anomaly; the insight stage keys its response cache on them and the
// persistor re-resolves ship identity from SourceHost when needed.
type IncidentMeta struct {
	TrackingIDs  []string `json:"tracking_ids"`
	Detectors    []string `json:"detectors"`
	WindowSize   int      `json:"window_size"`
	Service      string   `json:"service,omitempty"`
	MetricName   string   `json:"metric_name,omitempty"`
	SourceHost   string   `json:"source_host,omitempty"`
	ShipIDSource string   `json:"ship_id_source,omitempty"`
}

// IncidentCreated is the correlator's output. Its tracking id is the
// first contributing anomaly's; the full set lives in Meta.
type IncidentCreated struct {
	Envelope
	IncidentID   string         `json:"incident_id"`
	IncidentType Domain         `json:"incident_type"`
	ShipID       string         `json:"ship_id"`
	Severity     Severity       `json:"severity"`
	Summary      string         `json:"summary"`
	Status       IncidentStatus `json:"status"`
	Evidence     []Evidence     `json:"evidence"`
	Meta         IncidentMeta   `json:"meta"`
}

func (i *IncidentCreated) Validate() error {
	if err := i.Envelope.Validate(); err != nil {
		return err
	}
	if i.IncidentID == "" {
		return &SchemaError{Reason: "missing incident_id"}
	}
	if len(i.Evidence) == 0 {
		return &InvariantViolation{Invariant: "incident has zero evidence", TrackingID: i.TrackingID}
	}
	if i.ShipID == "" {
		return &InvariantViolation{Invariant: "ship_id empty", TrackingID: i.TrackingID}
	}
	return nil
}

// NewIncidentID formats the canonical incident identifier:
// INC-{ship}-{domain}-{unix seconds at fire}.
func NewIncidentID(shipID string, domain Domain, firedAt time.Time) string {
	return fmt.Sprintf("INC-%s-%s-%d", shipID, domain, firedAt.Unix())
}

// AIInsights carries the generated root cause and remediation. Both
// fields are always non-empty on a published record; fallback text
// fills whatever generation could not.
type AIInsights struct {
	RootCause   string `json:"root_cause"`
	Remediation string `json:"remediation"`
}

type SimilarIncident struct {
	IncidentID      string  `json:"incident_id"`
	SimilarityScore float64 `json:"similarity_score"`
	Resolution      string  `json:"resolution,omitempty"`
}

// IncidentEnriched wraps a created incident with AI insights, vector
// recall results, and processing accounting.
type IncidentEnriched struct {
	IncidentCreated
	AIInsights       AIInsights        `json:"ai_insights"`
	SimilarIncidents []SimilarIncident `json:"similar_incidents"`
	CacheHit         bool              `json:"cache_hit"`
	ProcessingTimeMS int64             `json:"processing_time_ms"`
}

// TimelineEntry is one state transition in an incident's stored
// timeline. The persistor appends, never rewrites.
type TimelineEntry struct {
	Timestamp time.Time      `json:"ts"`
	Status    IncidentStatus `json:"status"`
	Note      string         `json:"note,omitempty"`
}

// DeadLetter is the payload published on deadletter.{subject}: the
// failure reason plus the original record. Non-JSON originals are
// base64-wrapped so the payload itself stays valid JSON.
type DeadLetter struct {
	Reason   string          `json:"reason"`
	Original json.RawMessage `json:"original"`
}

func NewDeadLetter(reason string, original []byte) DeadLetter {
	raw := json.RawMessage(original)
	if !json.Valid(original) {
		encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(original))
		raw = encoded
	}
	return DeadLetter{Reason: reason, Original: raw}
}
