// Package correlate groups enriched anomalies into incidents: a
// per-(ship, domain) time window fires an incident at the correlation
// threshold, and a fingerprint cache suppresses repeats of incidents
// already raised.
package correlate

import (
	"sync"
	"time"

	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
)

// PartitionKey identifies one correlation window.
type PartitionKey struct {
	ShipID string
	Domain models.Domain
}

type window struct {
	anomalies []models.AnomalyEnriched
	startedAt time.Time // first arrival of the current accumulation
}

// ExpiredPartition reports one sweeper eviction for logging and
// counters.
type ExpiredPartition struct {
	Key     PartitionKey
	Evicted int
}

// TimeWindowManager owns the correlation windows. An Add that reaches
// the threshold returns the full batch WITHOUT clearing it; the caller
// clears the partition only after the incident is safely published, so
// a failed publish leaves the batch intact for the next fire.
type TimeWindowManager struct {
	mu        sync.Mutex
	cfg       config.CorrelationConfig
	threshold int
	windows   map[PartitionKey]*window
	now       func() time.Time
}

func NewTimeWindowManager(cfg config.CorrelationConfig) *TimeWindowManager {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	return &TimeWindowManager{
		cfg:       cfg,
		threshold: threshold,
		windows:   make(map[PartitionKey]*window),
		now:       time.Now,
	}
}

// Add appends an anomaly to its partition window. When the live count
// reaches the threshold it returns a snapshot of the whole batch and
// fired=true. Over-threshold counts (a retained batch plus a new
// arrival) fire again with everything included.
func (m *TimeWindowManager) Add(a *models.AnomalyEnriched) (batch []models.AnomalyEnriched, fired bool) {
	key := PartitionKey{ShipID: a.ShipID, Domain: a.Domain}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok {
		w = &window{}
		m.windows[key] = w
	}
	if len(w.anomalies) == 0 {
		w.startedAt = m.now()
	}
	w.anomalies = append(w.anomalies, *a)

	if len(w.anomalies) < m.threshold {
		return nil, false
	}
	batch = make([]models.AnomalyEnriched, len(w.anomalies))
	copy(batch, w.anomalies)
	return batch, true
}

// ClearPartition empties a fired window. The partition entry survives;
// a fresh accumulation starts on the next arrival.
func (m *TimeWindowManager) ClearPartition(shipID string, domain models.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.windows[PartitionKey{ShipID: shipID, Domain: domain}]; ok {
		w.anomalies = nil
	}
}

// Sweep removes partitions whose accumulation is older than the
// domain's window duration and still under threshold, discarding their
// anomalies. Returns one entry per eviction.
func (m *TimeWindowManager) Sweep(now time.Time) []ExpiredPartition {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []ExpiredPartition
	for key, w := range m.windows {
		if len(w.anomalies) == 0 {
			delete(m.windows, key)
			continue
		}
		if now.Sub(w.startedAt) > m.cfg.WindowFor(key.Domain) {
			expired = append(expired, ExpiredPartition{Key: key, Evicted: len(w.anomalies)})
			delete(m.windows, key)
		}
	}
	return expired
}

// Active counts partitions currently holding anomalies.
func (m *TimeWindowManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.windows {
		if len(w.anomalies) > 0 {
			n++
		}
	}
	return n
}
