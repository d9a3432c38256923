package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"critical", SeverityCritical},
		{"HIGH", SeverityHigh},
		{" medium ", SeverityMedium},
		{"low", SeverityLow},
		{"", SeverityLow},
		{"bogus", SeverityLow},
	}
	for _, tt := range tests {
		if got := ParseSeverity(tt.in); got != tt.want {
			t.Errorf("ParseSeverity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSeverityPriorityAndScore(t *testing.T) {
	if SeverityLow.Priority() != 1 || SeverityMedium.Priority() != 2 ||
		SeverityHigh.Priority() != 3 || SeverityCritical.Priority() != 4 {
		t.Fatal("priority order broken")
	}
	// Unknown severity must rank as low, never fail the comparison.
	if Severity("").Priority() != 1 {
		t.Errorf("empty severity priority = %d, want 1", Severity("").Priority())
	}
	if SeverityCritical.Score() != 0.95 || SeverityHigh.Score() != 0.85 ||
		SeverityMedium.Score() != 0.70 || SeverityLow.Score() != 0.50 {
		t.Fatal("severity→score map broken")
	}
}

func TestMaxSeverity_StableOnTies(t *testing.T) {
	if got := MaxSeverity(SeverityMedium, SeverityHigh); got != SeverityHigh {
		t.Errorf("MaxSeverity(medium, high) = %q", got)
	}
	// Earlier operand wins ties.
	if got := MaxSeverity(SeverityHigh, SeverityHigh); got != SeverityHigh {
		t.Errorf("tie broke to %q", got)
	}
	if got := MaxSeverity(Severity(""), SeverityLow); got != Severity("") {
		t.Errorf("tie between low-ranked operands should keep the first, got %q", got)
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr string
	}{
		{"valid", NewEnvelope("req-1-abc"), ""},
		{"wrong version", Envelope{SchemaVersion: "2.0", TrackingID: "req-1-abc"}, "schema_version"},
		{"missing tracking", Envelope{SchemaVersion: SchemaVersion}, "tracking_id"},
	}
	for _, tt := range tests {
		err := tt.env.Validate()
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: error %v, want containing %q", tt.name, err, tt.wantErr)
		}
		if !IsSchemaError(err) {
			t.Errorf("%s: expected a schema error, got %T", tt.name, err)
		}
	}
}

func TestAnomalyDetectedValidate(t *testing.T) {
	good := AnomalyDetected{
		Envelope:    NewEnvelope("req-2-def"),
		ShipID:      "ship-voyager",
		Domain:      DomainNet,
		Detector:    "log_level",
		Score:       0.85,
		Severity:    SeverityHigh,
		AnomalyType: "log_error",
		Msg:         "connection refused",
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid anomaly rejected: %v", err)
	}

	noShip := good
	noShip.ShipID = ""
	if err := noShip.Validate(); !IsInvariantViolation(err) {
		t.Errorf("empty ship_id: got %v, want invariant violation", err)
	}

	badScore := good
	badScore.Score = 1.7
	if err := badScore.Validate(); !IsInvariantViolation(err) {
		t.Errorf("score out of range: got %v, want invariant violation", err)
	}
}

func TestAnomalyDetectedNormalize_NullSeverity(t *testing.T) {
	a := AnomalyDetected{Severity: Severity("")}
	a.Normalize()
	if a.Severity != SeverityLow {
		t.Fatalf("absent severity normalized to %q, want low", a.Severity)
	}
	if a.Severity.Priority() != 1 {
		t.Fatalf("normalized severity priority = %d", a.Severity.Priority())
	}
}

func TestIncidentCreatedValidate(t *testing.T) {
	inc := IncidentCreated{
		Envelope:     NewEnvelope("req-3-aaa"),
		IncidentID:   "INC-s1-net-1700000000",
		IncidentType: DomainNet,
		ShipID:       "s1",
		Severity:     SeverityHigh,
		Status:       IncidentOpen,
		Evidence:     []Evidence{{TrackingID: "req-3-aaa", Score: 0.85}},
	}
	if err := inc.Validate(); err != nil {
		t.Fatalf("valid incident rejected: %v", err)
	}

	empty := inc
	empty.Evidence = nil
	if err := empty.Validate(); !IsInvariantViolation(err) {
		t.Errorf("zero evidence: got %v, want invariant violation", err)
	}
}

func TestNewIncidentID(t *testing.T) {
	at := time.Unix(1700000000, 0)
	got := NewIncidentID("ship-voyager", DomainComms, at)
	if got != "INC-ship-voyager-comms-1700000000" {
		t.Fatalf("incident id %q", got)
	}
}

func TestDomainKnown(t *testing.T) {
	for _, d := range []Domain{DomainComms, DomainNet, DomainSystem, DomainApp, DomainSecurity, DomainSatellite} {
		if !d.Known() {
			t.Errorf("domain %q should be known", d)
		}
	}
	if Domain("galley").Known() {
		t.Error("unexpected known domain")
	}
}

func TestEnrichedAnomalyWireShape(t *testing.T) {
	e := AnomalyEnriched{
		AnomalyDetected: AnomalyDetected{
			Envelope: NewEnvelope("req-4-bbb"),
			ShipID:   "s1",
			Domain:   DomainComms,
			Severity: SeverityMedium,
			Score:    0.7,
		},
		Context: map[string]any{"device": map[string]any{"vendor": "cobham"}},
		Tags:    []string{"recurring"},
	}
	b, err := json.Marshal(&e)
	if err != nil {
		t.Fatal(err)
	}
	// Embedded fields must flatten onto the top level of the payload.
	var wire map[string]any
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"schema_version", "tracking_id", "ts", "ship_id", "context", "tags"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("wire payload missing %q", key)
		}
	}
	if wire["schema_version"] != SchemaVersion {
		t.Errorf("schema_version = %v", wire["schema_version"])
	}
}

func TestDeadLetterWrapsNonJSON(t *testing.T) {
	dl := NewDeadLetter("schema error: unsupported schema_version 1.0", []byte("not json {"))
	b, err := json.Marshal(dl)
	if err != nil {
		t.Fatalf("dead letter must always marshal: %v", err)
	}
	var decoded struct {
		Reason   string          `json:"reason"`
		Original json.RawMessage `json:"original"`
	}
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Reason == "" || len(decoded.Original) == 0 {
		t.Fatalf("decoded dead letter incomplete: %+v", decoded)
	}

	valid := NewDeadLetter("x", []byte(`{"a":1}`))
	if string(valid.Original) != `{"a":1}` {
		t.Errorf("valid JSON original should pass through, got %s", valid.Original)
	}
}
