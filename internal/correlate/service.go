package correlate

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/maristack/vigia-core/internal/bus"
	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/internal/monitoring"
	"github.com/maristack/vigia-core/pkg/logger"
	"github.com/maristack/vigia-core/pkg/tracking"
)

const serviceName = "correlator"

// Publisher is the bus surface the correlator writes through.
// Satisfied by *bus.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
	DeadLetter(ctx context.Context, origin, kind, reason string, original []byte)
}

// Service consumes anomaly.enriched and emits incidents.created.
type Service struct {
	publisher     Publisher
	windows       *TimeWindowManager
	dedup         *DeduplicationCache
	logger        logger.Logger
	sweepInterval time.Duration

	processed       atomic.Int64
	suppressed      atomic.Int64
	incidents       atomic.Int64
	deadLettered    atomic.Int64
	publishFailures atomic.Int64
}

func NewService(pub Publisher, cfg config.CorrelationConfig, log logger.Logger) *Service {
	sweep := time.Duration(cfg.SweepIntervalSeconds) * time.Second
	if sweep <= 0 {
		sweep = 60 * time.Second
	}
	return &Service{
		publisher:     pub,
		windows:       NewTimeWindowManager(cfg),
		dedup:         NewDeduplicationCache(time.Duration(cfg.DedupTTLSeconds) * time.Second),
		logger:        log,
		sweepInterval: sweep,
	}
}

// Handle routes one enriched anomaly through dedup and windowing,
// publishing an incident when its window fires. Handlers for one
// (ship, domain) partition run serially, so window mutations for a
// partition never race.
func (s *Service) Handle(ctx context.Context, data []byte) error {
	start := time.Now()
	defer func() { monitoring.RecordStageDuration(serviceName, "correlate", time.Since(start)) }()
	s.processed.Add(1)

	var anomaly models.AnomalyEnriched
	if err := json.Unmarshal(data, &anomaly); err != nil {
		return s.deadLetter(ctx, "schema", "malformed enriched anomaly: "+err.Error(), data,
			&models.SchemaError{Reason: "malformed enriched anomaly payload"})
	}
	anomaly.Normalize()
	if err := anomaly.Validate(); err != nil {
		// No window mutation on a record that fails validation.
		kind := "invariant"
		if models.IsSchemaError(err) {
			kind = "schema"
		}
		return s.deadLetter(ctx, kind, err.Error(), data, err)
	}
	ctx = tracking.WithID(ctx, anomaly.TrackingID)

	if s.dedup.Seen(&anomaly) {
		s.suppressed.Add(1)
		monitoring.RecordDedupSuppressed(string(anomaly.Domain))
		s.logger.Debug("anomaly suppressed by dedup",
			"tracking_id", anomaly.TrackingID,
			"ship_id", anomaly.ShipID,
			"anomaly_type", anomaly.AnomalyType,
		)
		return nil
	}

	batch, fired := s.windows.Add(&anomaly)
	monitoring.SetWindowsActive(s.windows.Active())
	if !fired {
		return nil
	}

	firedAt := time.Now()
	incident := BuildIncident(batch, firedAt)

	if err := s.publisher.Publish(ctx, bus.SubjectIncidentsCreated, &incident); err != nil {
		// At-least-once: the window keeps its batch and fires again on
		// the next arrival.
		s.publishFailures.Add(1)
		s.logger.Error("incident publish failed, window retained",
			"tracking_id", incident.TrackingID,
			"incident_id", incident.IncidentID,
			"error", err,
		)
		return nil
	}

	s.windows.ClearPartition(anomaly.ShipID, anomaly.Domain)
	s.dedup.Record(batch, firedAt)
	s.incidents.Add(1)
	monitoring.RecordIncidentCreated(string(incident.IncidentType), string(incident.Severity))
	monitoring.RecordWindowFired(string(incident.IncidentType))
	monitoring.SetWindowsActive(s.windows.Active())
	monitoring.SetDedupEntries(s.dedup.Len())

	s.logger.Info("incident created",
		"tracking_id", incident.TrackingID,
		"incident_id", incident.IncidentID,
		"ship_id", incident.ShipID,
		"incident_type", incident.IncidentType,
		"severity", incident.Severity,
		"window_size", incident.Meta.WindowSize,
	)
	return nil
}

// RunSweeper evicts expired windows and dedup entries until ctx is
// canceled. Runs in its own goroutine next to the consume loop.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Service) sweep(now time.Time) {
	for _, e := range s.windows.Sweep(now) {
		monitoring.RecordWindowExpired(string(e.Key.Domain), e.Evicted)
		s.logger.Info("window expired under threshold",
			"ship_id", e.Key.ShipID,
			"domain", e.Key.Domain,
			"anomalies_discarded", e.Evicted,
		)
	}
	s.dedup.Sweep(now)
	monitoring.SetDedupEntries(s.dedup.Len())
	monitoring.SetWindowsActive(s.windows.Active())
}

func (s *Service) deadLetter(ctx context.Context, kind, reason string, original []byte, err error) error {
	s.deadLettered.Add(1)
	s.publisher.DeadLetter(ctx, bus.SubjectAnomalyEnriched, kind, reason, original)
	s.logger.Warn("enriched anomaly dead-lettered", "reason", reason)
	return err
}

// Stats exposes the service counters for the /stats endpoint.
func (s *Service) Stats() map[string]any {
	return map[string]any{
		"records_processed": s.processed.Load(),
		"suppressed":        s.suppressed.Load(),
		"incidents_created": s.incidents.Load(),
		"dead_lettered":     s.deadLettered.Load(),
		"publish_failures":  s.publishFailures.Load(),
		"windows_active":    s.windows.Active(),
		"dedup_entries":     s.dedup.Len(),
	}
}

// OrderingKey groups enriched anomalies by correlation partition so a
// single worker owns each (ship, domain) window.
func OrderingKey(data []byte) string {
	var peek struct {
		ShipID string `json:"ship_id"`
		Domain string `json:"domain"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return "unparsed"
	}
	return peek.ShipID + "|" + peek.Domain
}
