package models

import "time"

// SchemaVersion is the wire schema every bus record must declare.
// Records declaring anything else are dead-lettered, never coerced.
const SchemaVersion = "3.0"

// Envelope is the header carried by every record on the bus:
// the schema version, the tracking id assigned at ingest and
// propagated unchanged, and the event timestamp (UTC, microseconds).
type Envelope struct {
	SchemaVersion string    `json:"schema_version"`
	TrackingID    string    `json:"tracking_id"`
	Timestamp     time.Time `json:"ts"`
}

// NewEnvelope stamps a fresh envelope for the given tracking id.
func NewEnvelope(trackingID string) Envelope {
	return Envelope{
		SchemaVersion: SchemaVersion,
		TrackingID:    trackingID,
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

// Validate gates a consumed record. Post-detector subjects require both
// a recognized schema version and a non-empty tracking id.
func (e Envelope) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return &SchemaError{Reason: "unsupported schema_version " + e.SchemaVersion}
	}
	if e.TrackingID == "" {
		return &SchemaError{Reason: "missing tracking_id"}
	}
	return nil
}
