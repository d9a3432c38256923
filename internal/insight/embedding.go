package insight

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/maristack/vigia-core/internal/models"
)

// EmbeddingDim is the vector width stored in and queried from the
// vector store. Changing it invalidates the stored collection.
const EmbeddingDim = 384

// Embed maps text onto a deterministic 384-dimensional unit vector via
// feature hashing: each token lands in a bucket chosen by its FNV-1a
// hash, signed by the hash's top bit, then the vector is L2
// normalized. No model involved; identical text always embeds
// identically.
func Embed(text string) []float32 {
	vec := make([]float32, EmbeddingDim)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % EmbeddingDim)
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// IncidentText renders the features an incident is embedded from: its
// class fields plus the evidence messages.
func IncidentText(inc *models.IncidentCreated) string {
	parts := []string{
		string(inc.IncidentType),
		string(inc.Severity),
		inc.ShipID,
		inc.Meta.Service,
		inc.Meta.MetricName,
		inc.Summary,
	}
	for _, e := range inc.Evidence {
		parts = append(parts, e.Msg)
	}
	return strings.Join(parts, " ")
}
