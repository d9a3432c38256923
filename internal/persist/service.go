// Package persist terminates the pipeline: it lands enriched incidents
// in the columnar store. Writes are idempotent on incident_id, so a
// redelivered record replaces rather than duplicates.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maristack/vigia-core/internal/bus"
	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/detect"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/internal/monitoring"
	"github.com/maristack/vigia-core/pkg/logger"
	"github.com/maristack/vigia-core/pkg/tracking"
)

const serviceName = "persistor"

// Store is the incident write surface. Satisfied by
// *clickhouse.Client.
type Store interface {
	UpsertIncident(ctx context.Context, inc *models.IncidentEnriched, timeline []models.TimelineEntry) error
}

// DeadLetterer routes poison records off the main subjects. Satisfied
// by *bus.Client.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, origin, kind, reason string, original []byte)
}

// Service consumes incidents.enriched and upserts each incident. A
// store failure naks the record for redelivery; the replacing merge
// key keeps retries single-row.
type Service struct {
	store        Store
	deadletters  DeadLetterer
	resolver     *detect.Resolver
	logger       logger.Logger
	writeTimeout time.Duration

	processed    atomic.Int64
	upserted     atomic.Int64
	reResolved   atomic.Int64
	deadLettered atomic.Int64
	storeErrors  atomic.Int64
}

func NewService(store Store, dl DeadLetterer, reg detect.RegistryClient, cfg config.PersistorConfig, log logger.Logger) *Service {
	timeout := time.Duration(cfg.WriteTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		store:        store,
		deadletters:  dl,
		resolver:     detect.NewResolver(reg),
		logger:       log,
		writeTimeout: timeout,
	}
}

// Handle lands one enriched incident. Identity is repaired before the
// write: an empty or unknown-prefixed ship id is re-resolved from the
// incident's source host so the stored row is queryable by ship.
func (s *Service) Handle(ctx context.Context, data []byte) error {
	start := time.Now()
	defer func() { monitoring.RecordStageDuration(serviceName, "persist", time.Since(start)) }()
	s.processed.Add(1)

	var incident models.IncidentEnriched
	if err := json.Unmarshal(data, &incident); err != nil {
		return s.deadLetter(ctx, "schema", "malformed incident: "+err.Error(), data,
			&models.SchemaError{Reason: "malformed enriched incident payload"})
	}
	if err := incident.Envelope.Validate(); err != nil {
		return s.deadLetter(ctx, "schema", err.Error(), data, err)
	}
	if incident.IncidentID == "" {
		err := &models.SchemaError{Reason: "missing incident_id"}
		return s.deadLetter(ctx, "schema", err.Error(), data, err)
	}
	ctx = tracking.WithID(ctx, incident.TrackingID)

	s.repairIdentity(ctx, &incident)

	if err := incident.Validate(); err != nil {
		kind := "invariant"
		if models.IsSchemaError(err) {
			kind = "schema"
		}
		return s.deadLetter(ctx, kind, err.Error(), data, err)
	}

	wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.store.UpsertIncident(wctx, &incident, buildTimeline(&incident)); err != nil {
		s.storeErrors.Add(1)
		monitoring.RecordIncidentUpsert(false)
		s.logger.Error("incident upsert failed",
			"tracking_id", incident.TrackingID, "incident_id", incident.IncidentID, "error", err)
		return fmt.Errorf("upsert incident %s: %w", incident.IncidentID, err)
	}

	s.upserted.Add(1)
	monitoring.RecordIncidentUpsert(true)
	s.logger.Info("incident persisted",
		"tracking_id", incident.TrackingID,
		"incident_id", incident.IncidentID,
		"ship_id", incident.ShipID,
		"severity", incident.Severity,
		"cache_hit", incident.CacheHit,
	)
	return nil
}

// repairIdentity re-runs the detector's resolution chain when the ship
// id arrived missing or as an unknown-ship placeholder. The source
// host captured at detection feeds the registry and hostname steps.
func (s *Service) repairIdentity(ctx context.Context, inc *models.IncidentEnriched) {
	if inc.ShipID != "" && !strings.HasPrefix(inc.ShipID, "unknown") {
		return
	}
	res := s.resolver.Resolve(ctx, detect.Identity{
		ShipID:   inc.ShipID,
		Hostname: inc.Meta.SourceHost,
	})
	if res.ShipID == inc.ShipID {
		return
	}
	s.reResolved.Add(1)
	s.logger.Info("ship identity re-resolved",
		"tracking_id", inc.TrackingID,
		"incident_id", inc.IncidentID,
		"from", inc.ShipID,
		"to", res.ShipID,
		"source", res.Source,
	)
	inc.ShipID = res.ShipID
	inc.Meta.ShipIDSource = res.Source
}

// buildTimeline derives the stored state transitions from the record
// itself, so a redelivered incident writes the same timeline.
func buildTimeline(inc *models.IncidentEnriched) []models.TimelineEntry {
	enrichedAt := inc.Timestamp.Add(time.Duration(inc.ProcessingTimeMS) * time.Millisecond)
	return []models.TimelineEntry{
		{
			Timestamp: inc.Timestamp,
			Status:    models.IncidentOpen,
			Note:      fmt.Sprintf("correlated from %d anomalies", len(inc.Evidence)),
		},
		{
			Timestamp: enrichedAt,
			Status:    inc.Status,
			Note: fmt.Sprintf("ai insights attached (cache_hit=%t, similar=%d)",
				inc.CacheHit, len(inc.SimilarIncidents)),
		},
	}
}

func (s *Service) deadLetter(ctx context.Context, kind, reason string, original []byte, err error) error {
	s.deadLettered.Add(1)
	s.deadletters.DeadLetter(ctx, bus.SubjectIncidentsEnriched, kind, reason, original)
	s.logger.Warn("incident dead-lettered", "reason", reason)
	return err
}

// Stats exposes the service counters for the /stats endpoint.
func (s *Service) Stats() map[string]any {
	return map[string]any{
		"incidents_processed": s.processed.Load(),
		"incidents_upserted":  s.upserted.Load(),
		"ship_re_resolved":    s.reResolved.Load(),
		"dead_lettered":       s.deadLettered.Load(),
		"store_errors":        s.storeErrors.Load(),
	}
}

// OrderingKey keys work by incident id; ordering across incidents is
// irrelevant, the key only spreads load evenly.
func OrderingKey(data []byte) string {
	var peek struct {
		IncidentID string `json:"incident_id"`
	}
	if err := json.Unmarshal(data, &peek); err != nil || peek.IncidentID == "" {
		return "unparsed"
	}
	return peek.IncidentID
}
