package bus

import "testing"

func TestDeadLetterSubject(t *testing.T) {
	tests := []struct {
		origin string
		want   string
	}{
		{SubjectAnomalyEnriched, "deadletter.anomaly.enriched"},
		{SubjectLogsRaw, "deadletter.logs.raw"},
		{SubjectIncidentsCreated, "deadletter.incidents.created"},
	}
	for _, tt := range tests {
		if got := DeadLetterSubject(tt.origin); got != tt.want {
			t.Errorf("DeadLetterSubject(%q) = %q, want %q", tt.origin, got, tt.want)
		}
	}
}
