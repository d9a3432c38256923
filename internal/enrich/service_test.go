package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/vigia-core/internal/bus"
	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/internal/storage/clickhouse"
	"github.com/maristack/vigia-core/pkg/logger"
)

type publishedRecord struct {
	subject string
	record  any
}

type deadLetterRecord struct {
	origin string
	kind   string
	reason string
}

type stubPublisher struct {
	mu          sync.Mutex
	publishErr  error
	published   []publishedRecord
	deadLetters []deadLetterRecord
}

func (p *stubPublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, publishedRecord{subject: subject, record: v})
	return nil
}

func (p *stubPublisher) DeadLetter(_ context.Context, origin, kind, reason string, _ []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, deadLetterRecord{origin: origin, kind: kind, reason: reason})
}

// stubStore serves canned context lookups with optional per-query
// failures and delays.
type stubStore struct {
	mu           sync.Mutex
	device       clickhouse.DeviceMeta
	deviceFound  bool
	deviceErr    error
	deviceCalls  int
	history      clickhouse.FailureHistory
	historyErr   error
	similar      []clickhouse.AnomalyRow
	similarErr   error
	similarDelay time.Duration
	recent       []clickhouse.IncidentSummary
	recentErr    error
	inserted     []models.AnomalyDetected
	insertErr    error
}

func (s *stubStore) DeviceMeta(_ context.Context, _, _ string) (clickhouse.DeviceMeta, bool, error) {
	s.mu.Lock()
	s.deviceCalls++
	s.mu.Unlock()
	return s.device, s.deviceFound, s.deviceErr
}

func (s *stubStore) FailureHistory(_ context.Context, _ string, _ models.Domain) (clickhouse.FailureHistory, error) {
	return s.history, s.historyErr
}

func (s *stubStore) SimilarAnomalies(ctx context.Context, _ string, _ models.Domain, _, _, _ string, _ int) ([]clickhouse.AnomalyRow, error) {
	if s.similarDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.similarDelay):
		}
	}
	return s.similar, s.similarErr
}

func (s *stubStore) RecentIncidents(_ context.Context, _ string, _ models.Domain, _ int) ([]clickhouse.IncidentSummary, error) {
	return s.recent, s.recentErr
}

func (s *stubStore) InsertAnomaly(_ context.Context, a *models.AnomalyDetected) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, *a)
	return nil
}

func newTestService(pub *stubPublisher, store *stubStore) *Service {
	return NewService(pub, store, config.EnricherConfig{QueryTimeoutMS: 100}, logger.New("error", "json"))
}

func validAnomaly() models.AnomalyDetected {
	return models.AnomalyDetected{
		Envelope:    models.NewEnvelope("req-1700000000000000-abcdefabcdef"),
		ShipID:      "mv-aurora",
		DeviceID:    "vsat-01",
		Service:     "vsat-controller",
		Domain:      models.DomainSatellite,
		Detector:    "log_level",
		Score:       0.85,
		Severity:    models.SeverityHigh,
		AnomalyType: "connection_refused",
		Msg:         "connection refused by modem",
	}
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func lastEnriched(t *testing.T, pub *stubPublisher) *models.AnomalyEnriched {
	t.Helper()
	require.NotEmpty(t, pub.published)
	rec := pub.published[len(pub.published)-1]
	require.Equal(t, bus.SubjectAnomalyEnriched, rec.subject)
	enriched, ok := rec.record.(*models.AnomalyEnriched)
	require.True(t, ok, "published record is %T", rec.record)
	return enriched
}

func TestHandle_AttachesAllContextSlots(t *testing.T) {
	pub := &stubPublisher{}
	store := &stubStore{
		device:      clickhouse.DeviceMeta{DeviceType: "vsat_modem", Vendor: "Cobham", Criticality: "critical"},
		deviceFound: true,
		history:     clickhouse.FailureHistory{Total: 144, PerHour: 6, MeanScore: 0.8},
		similar: []clickhouse.AnomalyRow{
			{TrackingID: "req-1"}, {TrackingID: "req-2"}, {TrackingID: "req-3"},
		},
		recent: []clickhouse.IncidentSummary{{IncidentID: "INC-mv-aurora-satellite-1700000000"}},
	}
	svc := newTestService(pub, store)

	err := svc.Handle(context.Background(), marshal(t, validAnomaly()))
	require.NoError(t, err)

	enriched := lastEnriched(t, pub)
	assert.Equal(t, "req-1700000000000000-abcdefabcdef", enriched.TrackingID)
	assert.Len(t, enriched.Context, 4)
	assert.Equal(t, store.device, enriched.Context["device"])
	assert.Equal(t, store.history, enriched.Context["history"])
	assert.Len(t, enriched.Context["similar"], 3)
	assert.Len(t, enriched.Context["recent_incidents"], 1)
	assert.Contains(t, enriched.Tags, "critical-device")
	assert.Contains(t, enriched.Tags, "recurring")
	assert.Contains(t, enriched.Tags, "high-failure-rate")

	// The anomaly was appended to history for future lookups.
	require.Len(t, store.inserted, 1)
	assert.Equal(t, "mv-aurora", store.inserted[0].ShipID)
}

func TestHandle_QueryFailureFillsErrorSlot(t *testing.T) {
	pub := &stubPublisher{}
	store := &stubStore{historyErr: errors.New("clickhouse: connection refused")}
	svc := newTestService(pub, store)

	err := svc.Handle(context.Background(), marshal(t, validAnomaly()))
	require.NoError(t, err, "a failed lookup must not abort enrichment")

	enriched := lastEnriched(t, pub)
	slot, ok := enriched.Context["history"].(map[string]any)
	require.True(t, ok, "history slot is %T", enriched.Context["history"])
	assert.Contains(t, slot["error"], "connection refused")
	assert.NotContains(t, enriched.Tags, "high-failure-rate")
}

func TestHandle_SlowQueryTimesOut(t *testing.T) {
	pub := &stubPublisher{}
	store := &stubStore{similarDelay: time.Second}
	svc := newTestService(pub, store) // 100 ms per-query timeout

	start := time.Now()
	err := svc.Handle(context.Background(), marshal(t, validAnomaly()))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"slow query must be cut off by its own timeout")

	enriched := lastEnriched(t, pub)
	slot, ok := enriched.Context["similar"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, slot["error"], "context deadline exceeded")
}

func TestHandle_MalformedPayloadDeadLetters(t *testing.T) {
	pub := &stubPublisher{}
	svc := newTestService(pub, &stubStore{})

	err := svc.Handle(context.Background(), []byte(`{"ship_id":`))
	require.Error(t, err)
	assert.True(t, models.IsSchemaError(err))
	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, bus.SubjectAnomalyDetected, pub.deadLetters[0].origin)
	assert.Equal(t, "schema", pub.deadLetters[0].kind)
	assert.Empty(t, pub.published)
}

func TestHandle_MissingTrackingIDDeadLetters(t *testing.T) {
	pub := &stubPublisher{}
	svc := newTestService(pub, &stubStore{})

	anomaly := validAnomaly()
	anomaly.TrackingID = ""
	err := svc.Handle(context.Background(), marshal(t, anomaly))
	require.Error(t, err)
	assert.True(t, models.IsSchemaError(err))
	assert.Equal(t, "schema", pub.deadLetters[0].kind)
}

func TestHandle_EmptyShipIDDeadLetters(t *testing.T) {
	pub := &stubPublisher{}
	svc := newTestService(pub, &stubStore{})

	anomaly := validAnomaly()
	anomaly.ShipID = ""
	err := svc.Handle(context.Background(), marshal(t, anomaly))
	require.Error(t, err)
	assert.True(t, models.IsInvariantViolation(err))
	assert.Equal(t, "invariant", pub.deadLetters[0].kind)
}

func TestHandle_PublishFailureDeadLetters(t *testing.T) {
	pub := &stubPublisher{publishErr: &models.BusTransientError{Op: "publish anomaly.enriched"}}
	svc := newTestService(pub, &stubStore{})

	err := svc.Handle(context.Background(), marshal(t, validAnomaly()))
	require.NoError(t, err)
	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, bus.SubjectAnomalyEnriched, pub.deadLetters[0].origin)
	assert.Equal(t, "publish_failed", pub.deadLetters[0].kind)
}

func TestHandle_NoDeviceIDSkipsInventoryLookup(t *testing.T) {
	pub := &stubPublisher{}
	store := &stubStore{deviceFound: true}
	svc := newTestService(pub, store)

	anomaly := validAnomaly()
	anomaly.DeviceID = ""
	err := svc.Handle(context.Background(), marshal(t, anomaly))
	require.NoError(t, err)

	enriched := lastEnriched(t, pub)
	assert.Nil(t, enriched.Context["device"])
	assert.Zero(t, store.deviceCalls)
}

func TestDeriveTags_FirstOccurrence(t *testing.T) {
	e := &models.AnomalyEnriched{
		AnomalyDetected: validAnomaly(),
		Context: map[string]any{
			"history": clickhouse.FailureHistory{Total: 0},
			"similar": []clickhouse.AnomalyRow{},
		},
	}
	tags := deriveTags(e)
	assert.Contains(t, tags, "first-occurrence")
	assert.NotContains(t, tags, "recurring")
}

func TestStats_ExposesLatencyPercentiles(t *testing.T) {
	pub := &stubPublisher{}
	svc := newTestService(pub, &stubStore{})

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Handle(context.Background(), marshal(t, validAnomaly())))
	}
	stats := svc.Stats()
	assert.EqualValues(t, 5, stats["records_processed"])
	assert.EqualValues(t, 5, stats["anomalies_enriched"])
	assert.Contains(t, stats, "latency_p95_ms")
	assert.Contains(t, stats, "latency_p99_ms")
}

func TestOrderingKey_GroupsByShip(t *testing.T) {
	assert.Equal(t, "mv-aurora", OrderingKey(marshal(t, validAnomaly())))
	assert.Equal(t, "unparsed", OrderingKey([]byte(`{"ship_id":`)))
	assert.Equal(t, "unparsed", OrderingKey([]byte(`{"device_id":"vsat-01"}`)))
}
