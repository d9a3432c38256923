package correlate

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/maristack/vigia-core/internal/models"
)

// Fingerprint digests the identity of an anomaly class:
// ship_id|domain|service|anomaly_type, plus the device id when one is
// known. First 16 hex characters of the SHA-256.
func Fingerprint(shipID string, domain models.Domain, service, anomalyType, deviceID string) string {
	input := shipID + "|" + string(domain) + "|" + service + "|" + anomalyType
	if deviceID != "" {
		input += "|" + deviceID
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}

// suppressionKey appends the severity so the same anomaly class at a
// different severity still raises its own incident.
func suppressionKey(a *models.AnomalyEnriched) string {
	fp := Fingerprint(a.ShipID, a.Domain, a.Service, a.AnomalyType, a.DeviceID)
	return fp + ":" + string(a.Severity)
}

// DeduplicationCache suppresses anomalies whose class already produced
// an incident within the TTL. Entries are recorded when a window
// fires, not on first sight: the anomalies that build toward the first
// incident must all pass through.
type DeduplicationCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewDeduplicationCache(ttl time.Duration) *DeduplicationCache {
	if ttl <= 0 {
		ttl = 900 * time.Second
	}
	return &DeduplicationCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen reports whether an incident for this anomaly's class is still
// within TTL. A hit does not refresh the entry.
func (c *DeduplicationCache) Seen(a *models.AnomalyEnriched) bool {
	key := suppressionKey(a)
	c.mu.Lock()
	defer c.mu.Unlock()
	recorded, ok := c.entries[key]
	return ok && c.now().Sub(recorded) < c.ttl
}

// Record marks every anomaly class in a fired batch, starting the
// suppression TTL from the fire instant.
func (c *DeduplicationCache) Record(batch []models.AnomalyEnriched, firedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range batch {
		c.entries[suppressionKey(&batch[i])] = firedAt
	}
}

// Sweep drops expired entries.
func (c *DeduplicationCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, recorded := range c.entries {
		if now.Sub(recorded) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

// Len reports live entries, for /stats and the gauge.
func (c *DeduplicationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
