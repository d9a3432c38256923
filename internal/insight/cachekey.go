// Package insight enriches created incidents with AI-generated root
// cause and remediation text, similar-incident recall, and response
// caching, all under a hard per-incident wall-clock budget.
package insight

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/maristack/vigia-core/internal/models"
)

// Response types stored in the LLM cache.
const (
	ResponseRootCause   = "root_cause"
	ResponseRemediation = "remediation"
)

// CacheKey derives the response cache key for an incident class:
// the response type prefix, then the first 16 hex of the SHA-256 over
// the class features. Incidents of the same type, severity and service
// share generated text for the TTL.
func CacheKey(responseType string, inc *models.IncidentCreated) string {
	input := responseType + "|" + string(inc.IncidentType) + "|" + string(inc.Severity) + "|" + inc.Meta.Service
	if inc.Meta.MetricName != "" {
		input += "|" + inc.Meta.MetricName
	}
	sum := sha256.Sum256([]byte(input))
	return responseType + ":" + hex.EncodeToString(sum[:])[:16]
}
