// Package enrich attaches operational context to detected anomalies:
// device inventory, failure history, similar anomalies, and recent
// incidents, each fetched concurrently with an individual timeout so a
// slow store degrades context instead of stalling the pipeline.
package enrich

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maristack/vigia-core/internal/bus"
	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/internal/monitoring"
	"github.com/maristack/vigia-core/internal/storage/clickhouse"
	"github.com/maristack/vigia-core/pkg/logger"
	"github.com/maristack/vigia-core/pkg/tracking"
)

const serviceName = "enricher"

// Context slot keys, stable across releases: downstream consumers and
// stored incidents reference them by name.
const (
	slotDevice          = "device"
	slotHistory         = "history"
	slotSimilar         = "similar"
	slotRecentIncidents = "recent_incidents"
)

// Publisher is the bus surface the enricher writes through. Satisfied
// by *bus.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
	DeadLetter(ctx context.Context, origin, kind, reason string, original []byte)
}

// ContextStore is the columnar-store surface enrichment reads from and
// appends anomaly history to. Satisfied by *clickhouse.Client.
type ContextStore interface {
	DeviceMeta(ctx context.Context, shipID, deviceID string) (clickhouse.DeviceMeta, bool, error)
	FailureHistory(ctx context.Context, shipID string, domain models.Domain) (clickhouse.FailureHistory, error)
	SimilarAnomalies(ctx context.Context, shipID string, domain models.Domain, anomalyType, metricName, service string, limit int) ([]clickhouse.AnomalyRow, error)
	RecentIncidents(ctx context.Context, shipID string, incidentType models.Domain, limit int) ([]clickhouse.IncidentSummary, error)
	InsertAnomaly(ctx context.Context, a *models.AnomalyDetected) error
}

// Service consumes anomaly.detected and emits anomaly.enriched.
type Service struct {
	publisher    Publisher
	store        ContextStore
	queryTimeout time.Duration
	logger       logger.Logger
	latency      *latencyRing

	processed     atomic.Int64
	enriched      atomic.Int64
	deadLettered  atomic.Int64
	queryFailures atomic.Int64
}

func NewService(pub Publisher, store ContextStore, cfg config.EnricherConfig, log logger.Logger) *Service {
	timeout := time.Duration(cfg.QueryTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 400 * time.Millisecond
	}
	return &Service{
		publisher:    pub,
		store:        store,
		queryTimeout: timeout,
		logger:       log,
		latency:      newLatencyRing(512),
	}
}

// Handle enriches one detected anomaly. The four context lookups run
// concurrently; their join is the record's enrichment barrier. A
// failed lookup leaves {"error": reason} in its slot and never aborts
// the record.
func (s *Service) Handle(ctx context.Context, data []byte) error {
	start := time.Now()
	s.processed.Add(1)

	var anomaly models.AnomalyDetected
	if err := json.Unmarshal(data, &anomaly); err != nil {
		return s.deadLetter(ctx, "schema", "malformed anomaly: "+err.Error(), data,
			&models.SchemaError{Reason: "malformed anomaly payload"})
	}
	anomaly.Normalize()
	if err := anomaly.Validate(); err != nil {
		kind := "invariant"
		if models.IsSchemaError(err) {
			kind = "schema"
		}
		return s.deadLetter(ctx, kind, err.Error(), data, err)
	}
	ctx = tracking.WithID(ctx, anomaly.TrackingID)

	enriched := models.AnomalyEnriched{
		AnomalyDetected: anomaly,
		Context:         s.lookupContext(ctx, &anomaly),
	}
	enriched.Tags = deriveTags(&enriched)

	// The anomaly itself becomes history for future lookups. A failed
	// append degrades future context, not this record.
	wctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	if err := s.store.InsertAnomaly(wctx, &anomaly); err != nil {
		monitoring.RecordError(serviceName, "db")
		s.logger.Warn("anomaly history write failed",
			"tracking_id", anomaly.TrackingID, "error", err)
	}
	cancel()

	if err := s.publisher.Publish(ctx, bus.SubjectAnomalyEnriched, &enriched); err != nil {
		payload, _ := json.Marshal(&enriched)
		s.deadLettered.Add(1)
		s.publisher.DeadLetter(ctx, bus.SubjectAnomalyEnriched, "publish_failed", err.Error(), payload)
		s.logger.Error("enriched anomaly publish failed",
			"tracking_id", anomaly.TrackingID, "error", err)
		return nil
	}

	s.enriched.Add(1)
	elapsed := time.Since(start)
	s.latency.Observe(elapsed)
	monitoring.RecordStageDuration(serviceName, "enrich", elapsed)
	return nil
}

// lookupContext runs the four store queries concurrently, each under
// its own timeout, and assembles the context map.
func (s *Service) lookupContext(ctx context.Context, anomaly *models.AnomalyDetected) map[string]any {
	out := make(map[string]any, 4)
	var mu sync.Mutex
	var wg sync.WaitGroup

	run := func(slot string, query func(qctx context.Context) (any, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
			defer cancel()

			started := time.Now()
			v, err := query(qctx)
			monitoring.RecordEnrichmentQuery(slot, time.Since(started), err == nil)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.queryFailures.Add(1)
				out[slot] = map[string]any{"error": err.Error()}
				s.logger.Warn("context lookup failed",
					"tracking_id", anomaly.TrackingID, "query", slot, "error", err)
				return
			}
			out[slot] = v
		}()
	}

	run(slotDevice, func(qctx context.Context) (any, error) {
		if anomaly.DeviceID == "" {
			return nil, nil
		}
		meta, found, err := s.store.DeviceMeta(qctx, anomaly.ShipID, anomaly.DeviceID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return meta, nil
	})
	run(slotHistory, func(qctx context.Context) (any, error) {
		return s.store.FailureHistory(qctx, anomaly.ShipID, anomaly.Domain)
	})
	run(slotSimilar, func(qctx context.Context) (any, error) {
		rows, err := s.store.SimilarAnomalies(qctx, anomaly.ShipID, anomaly.Domain,
			anomaly.AnomalyType, anomaly.MetricName, anomaly.Service, 10)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []clickhouse.AnomalyRow{}
		}
		return rows, nil
	})
	run(slotRecentIncidents, func(qctx context.Context) (any, error) {
		incidents, err := s.store.RecentIncidents(qctx, anomaly.ShipID, anomaly.Domain, 5)
		if err != nil {
			return nil, err
		}
		if incidents == nil {
			incidents = []clickhouse.IncidentSummary{}
		}
		return incidents, nil
	})

	wg.Wait()
	return out
}

// deriveTags classifies the anomaly from its assembled context. Slots
// holding error markers contribute nothing.
func deriveTags(e *models.AnomalyEnriched) []string {
	tags := []string{}

	if device, ok := e.Context[slotDevice].(clickhouse.DeviceMeta); ok &&
		device.Criticality == "critical" {
		tags = append(tags, "critical-device")
	}

	similarCount := -1
	if similar, ok := e.Context[slotSimilar].([]clickhouse.AnomalyRow); ok {
		similarCount = len(similar)
		if similarCount >= 3 {
			tags = append(tags, "recurring")
		}
	}

	if history, ok := e.Context[slotHistory].(clickhouse.FailureHistory); ok {
		if history.PerHour >= 5 {
			tags = append(tags, "high-failure-rate")
		}
		if history.Total == 0 && similarCount == 0 {
			tags = append(tags, "first-occurrence")
		}
	}

	if e.Severity == models.SeverityCritical {
		tags = append(tags, "critical-severity")
	}
	return tags
}

func (s *Service) deadLetter(ctx context.Context, kind, reason string, original []byte, err error) error {
	s.deadLettered.Add(1)
	s.publisher.DeadLetter(ctx, bus.SubjectAnomalyDetected, kind, reason, original)
	s.logger.Warn("anomaly dead-lettered", "reason", reason)
	return err
}

// Stats exposes the service counters plus the rolling latency
// percentiles for the /stats endpoint.
func (s *Service) Stats() map[string]any {
	p95, p99 := s.latency.Percentiles()
	return map[string]any{
		"records_processed":  s.processed.Load(),
		"anomalies_enriched": s.enriched.Load(),
		"dead_lettered":      s.deadLettered.Load(),
		"query_failures":     s.queryFailures.Load(),
		"latency_p95_ms":     p95.Milliseconds(),
		"latency_p99_ms":     p99.Milliseconds(),
	}
}

// OrderingKey extracts the per-ship ordering key from an anomaly
// payload so one worker sees each ship's anomalies in order.
func OrderingKey(data []byte) string {
	var peek struct {
		ShipID string `json:"ship_id"`
	}
	if err := json.Unmarshal(data, &peek); err != nil || peek.ShipID == "" {
		return "unparsed"
	}
	return peek.ShipID
}
