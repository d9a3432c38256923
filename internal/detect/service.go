package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maristack/vigia-core/internal/bus"
	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/internal/monitoring"
	"github.com/maristack/vigia-core/pkg/logger"
	"github.com/maristack/vigia-core/pkg/tracking"
)

const serviceName = "detector"

// Publisher is the bus surface the detector writes through. Satisfied
// by *bus.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
	DeadLetter(ctx context.Context, origin, kind, reason string, original []byte)
}

// Service consumes logs.raw and metrics.raw and emits scored anomalies
// on anomaly.detected. One instance per process; safe for concurrent
// handlers.
type Service struct {
	publisher Publisher
	resolver  *Resolver
	detectors *detectorRegistry
	logger    logger.Logger

	processed    atomic.Int64
	emitted      atomic.Int64
	dropped      atomic.Int64
	deadLettered atomic.Int64
}

func NewService(pub Publisher, reg RegistryClient, cfg config.DetectorConfig, log logger.Logger) *Service {
	return &Service{
		publisher: pub,
		resolver:  NewResolver(reg),
		detectors: newDetectorRegistry(cfg),
		logger:    log,
	}
}

// Handle processes one raw record. subject is logs.raw or metrics.raw
// and selects the scoring path. A nil return means the record was
// fully handled: emitted, dropped as routine, or dead-lettered with
// the failure recorded.
func (s *Service) Handle(ctx context.Context, subject string, data []byte) error {
	start := time.Now()
	defer func() { monitoring.RecordStageDuration(serviceName, "detect", time.Since(start)) }()
	s.processed.Add(1)

	var rec RawRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.drop("malformed", "", "subject", subject, "error", err)
		return nil
	}

	if rec.SchemaVersion != "" && rec.SchemaVersion != models.SchemaVersion {
		reason := "unsupported schema_version " + rec.SchemaVersion
		s.deadLettered.Add(1)
		s.publisher.DeadLetter(ctx, subject, "schema", reason, data)
		s.logger.Warn("record dead-lettered",
			"tracking_id", rec.TrackingID, "reason", reason)
		return &models.SchemaError{Reason: reason}
	}

	trackingID := rec.TrackingID
	if trackingID == "" {
		trackingID = tracking.NewID()
	}
	ctx = tracking.WithID(ctx, trackingID)

	if subject == bus.SubjectMetricsRaw {
		return s.handleMetric(ctx, trackingID, &rec, data)
	}
	return s.handleLog(ctx, trackingID, &rec, data)
}

func (s *Service) handleLog(ctx context.Context, trackingID string, rec *RawRecord, data []byte) error {
	score, ok, reason := ScoreLog(rec)
	if !ok {
		s.drop(reason, trackingID, "level", rec.Level)
		return nil
	}

	res := s.resolve(ctx, rec)
	anomaly := s.newAnomaly(trackingID, rec, res)
	anomaly.Detector = "log_level"
	anomaly.Score = score.Score
	anomaly.Severity = score.Severity
	anomaly.AnomalyType = score.AnomalyType
	anomaly.Msg = rec.Message

	return s.emit(ctx, &anomaly, data)
}

func (s *Service) handleMetric(ctx context.Context, trackingID string, rec *RawRecord, data []byte) error {
	sample, ok := rec.SampleValue()
	if !ok || rec.MetricName == "" {
		s.drop("malformed", trackingID, "metric_name", rec.MetricName)
		return nil
	}

	// Every sample feeds the per-ship baseline, anomalous or not, so
	// identity is resolved before scoring.
	res := s.resolve(ctx, rec)
	score, severity, detector := s.detectors.Score(res.ShipID, rec.MetricName, sample)
	if score < 0.5 {
		s.drop("normal_range", trackingID, "metric_name", rec.MetricName)
		return nil
	}

	anomaly := s.newAnomaly(trackingID, rec, res)
	anomaly.Detector = detector
	anomaly.Score = score
	anomaly.Severity = severity
	anomaly.AnomalyType = "metric_" + rec.MetricName
	anomaly.MetricName = rec.MetricName
	anomaly.MetricValue = &sample
	anomaly.Msg = fmt.Sprintf("%s=%g flagged by %s detector", rec.MetricName, sample, detector)

	return s.emit(ctx, &anomaly, data)
}

func (s *Service) resolve(ctx context.Context, rec *RawRecord) Resolution {
	return s.resolver.Resolve(ctx, Identity{
		ShipID:       rec.ShipID,
		DeviceID:     rec.DeviceID,
		MetaShipID:   rec.metaString("ship_id"),
		MetaDeviceID: rec.metaString("device_id"),
		Hostname:     rec.SourceHost(),
	})
}

// newAnomaly fills the fields shared by both scoring paths. The event
// timestamp is the record's own when it carries one.
func (s *Service) newAnomaly(trackingID string, rec *RawRecord, res Resolution) models.AnomalyDetected {
	anomaly := models.AnomalyDetected{
		Envelope: models.NewEnvelope(trackingID),
		ShipID:   res.ShipID,
		DeviceID: res.DeviceID,
		Service:  rec.EffectiveService(),
		Domain:   rec.DomainOf(),
		Meta:     map[string]string{"ship_id_source": res.Source},
	}
	if rec.Timestamp != nil {
		anomaly.Timestamp = rec.Timestamp.UTC()
	}
	if host := rec.SourceHost(); host != "" {
		anomaly.Meta["source_host"] = host
	}
	return anomaly
}

func (s *Service) emit(ctx context.Context, anomaly *models.AnomalyDetected, original []byte) error {
	anomaly.RawMsg = string(original)

	if err := anomaly.Validate(); err != nil {
		s.deadLettered.Add(1)
		s.publisher.DeadLetter(ctx, bus.SubjectAnomalyDetected, "invariant", err.Error(), original)
		s.logger.Error("anomaly failed validation",
			"tracking_id", anomaly.TrackingID, "reason", err.Error())
		return err
	}

	if err := s.publisher.Publish(ctx, bus.SubjectAnomalyDetected, anomaly); err != nil {
		payload, _ := json.Marshal(anomaly)
		s.deadLettered.Add(1)
		s.publisher.DeadLetter(ctx, bus.SubjectAnomalyDetected, "publish_failed", err.Error(), payload)
		s.logger.Error("anomaly publish failed",
			"tracking_id", anomaly.TrackingID, "error", err)
		return nil
	}

	s.emitted.Add(1)
	monitoring.RecordAnomalyDetected(string(anomaly.Domain), string(anomaly.Severity))
	s.logger.Debug("anomaly detected",
		"tracking_id", anomaly.TrackingID,
		"ship_id", anomaly.ShipID,
		"domain", anomaly.Domain,
		"severity", anomaly.Severity,
		"detector", anomaly.Detector,
	)
	return nil
}

func (s *Service) drop(reason, trackingID string, fields ...any) {
	s.dropped.Add(1)
	monitoring.RecordDrop(serviceName, reason)
	s.logger.Debug("record dropped",
		append([]any{"reason", reason, "tracking_id", trackingID}, fields...)...)
}

// Stats exposes the service counters for the /stats endpoint.
func (s *Service) Stats() map[string]any {
	return map[string]any{
		"records_processed":  s.processed.Load(),
		"anomalies_detected": s.emitted.Load(),
		"records_dropped":    s.dropped.Load(),
		"dead_lettered":      s.deadLettered.Load(),
		"metric_detectors":   s.detectors.Len(),
	}
}
