package insight

import (
	"math"
	"strings"
	"testing"

	"github.com/maristack/vigia-core/internal/models"
)

func TestEmbedDeterministic(t *testing.T) {
	a := Embed("vsat link degraded on mv-aurora")
	b := Embed("vsat link degraded on mv-aurora")
	if len(a) != EmbeddingDim {
		t.Fatalf("dim = %d, want %d", len(a), EmbeddingDim)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("component %d differs between identical inputs", i)
		}
	}
}

func TestEmbedUnitNorm(t *testing.T) {
	vec := Embed("connection refused to shore gateway, retry budget exhausted")
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-4 {
		t.Fatalf("squared norm = %v, want 1.0", norm)
	}
}

func TestEmbedDistinguishesText(t *testing.T) {
	a := Embed("satellite antenna blocked during port approach")
	b := Embed("database replication lag on engine telemetry store")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("unrelated texts produced identical embeddings")
	}
}

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	vec := Embed("")
	if len(vec) != EmbeddingDim {
		t.Fatalf("dim = %d, want %d", len(vec), EmbeddingDim)
	}
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("component %d = %v, want 0", i, v)
		}
	}
}

func TestEmbedCaseInsensitiveTokens(t *testing.T) {
	a := Embed("VSAT Link Degraded")
	b := Embed("vsat link degraded")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("component %d differs across casing", i)
		}
	}
}

func TestIncidentTextCoversClassAndEvidence(t *testing.T) {
	inc := classIncident(models.SeverityHigh, "vsat-modem", "")
	inc.Summary = "3 comms anomalies on mv-aurora, worst severity high"
	inc.Evidence = []models.Evidence{
		{Detector: "log_level", Score: 0.85, Msg: "modem reset loop detected"},
	}
	text := IncidentText(inc)
	for _, want := range []string{"comms", "high", "mv-aurora", "vsat-modem", "worst severity", "modem reset loop"} {
		if !strings.Contains(text, want) {
			t.Errorf("incident text missing %q: %s", want, text)
		}
	}
}
