package persist

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
	"github.com/maristack/vigia-core/internal/registry"
	"github.com/maristack/vigia-core/pkg/logger"
)

type upsertCall struct {
	incident models.IncidentEnriched
	timeline []models.TimelineEntry
}

type stubStore struct {
	mu      sync.Mutex
	err     error
	upserts []upsertCall
}

func (s *stubStore) UpsertIncident(_ context.Context, inc *models.IncidentEnriched, timeline []models.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.upserts = append(s.upserts, upsertCall{incident: *inc, timeline: timeline})
	return nil
}

type deadLetterRecord struct {
	origin string
	kind   string
	reason string
}

type stubDeadLetterer struct {
	mu      sync.Mutex
	records []deadLetterRecord
}

func (d *stubDeadLetterer) DeadLetter(_ context.Context, origin, kind, reason string, _ []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, deadLetterRecord{origin: origin, kind: kind, reason: reason})
}

type stubRegistry struct {
	mu      sync.Mutex
	mapping registry.Mapping
	err     error
	calls   int
}

func (r *stubRegistry) Lookup(_ context.Context, _ string) (registry.Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return registry.Mapping{}, r.err
	}
	return r.mapping, nil
}

func newTestService(store *stubStore, dl *stubDeadLetterer, reg *stubRegistry) *Service {
	return NewService(store, dl, reg, config.PersistorConfig{WriteTimeoutMS: 1000}, logger.New("error", "json"))
}

func enrichedIncident() models.IncidentEnriched {
	firedAt := time.Date(2025, time.November, 14, 12, 0, 0, 0, time.UTC)
	env := models.NewEnvelope("req-1700000000000000-abcdefabcdef")
	env.Timestamp = firedAt
	return models.IncidentEnriched{
		IncidentCreated: models.IncidentCreated{
			Envelope:     env,
			IncidentID:   "INC-mv-aurora-comms-1763121600",
			IncidentType: models.DomainComms,
			ShipID:       "mv-aurora",
			Severity:     models.SeverityHigh,
			Summary:      "3 comms anomalies on mv-aurora, worst severity high",
			Status:       models.IncidentOpen,
			Evidence: []models.Evidence{
				{TrackingID: "req-1700000000000000-abcdefabcdef", Timestamp: firedAt, Detector: "log_level", Score: 0.85, Msg: "vsat link degraded"},
				{TrackingID: "req-1700000001000000-abcdefabcdef", Timestamp: firedAt, Detector: "log_level", Score: 0.7, Msg: "modem reset"},
				{TrackingID: "req-1700000002000000-abcdefabcdef", Timestamp: firedAt, Detector: "log_level", Score: 0.85, Msg: "carrier lost"},
			},
			Meta: models.IncidentMeta{
				TrackingIDs:  []string{"req-1700000000000000-abcdefabcdef"},
				Detectors:    []string{"log_level"},
				WindowSize:   3,
				Service:      "vsat-modem",
				SourceHost:   "bridge-01-antenna",
				ShipIDSource: "original_field",
			},
		},
		AIInsights:       models.AIInsights{RootCause: "power feed instability", Remediation: "1. Inspect power feed."},
		SimilarIncidents: []models.SimilarIncident{{IncidentID: "INC-old", SimilarityScore: 0.9, Resolution: "rebooted"}},
		CacheHit:         true,
		ProcessingTimeMS: 2500,
	}
}

func handleIncident(t *testing.T, svc *Service, inc models.IncidentEnriched) error {
	t.Helper()
	data, err := json.Marshal(&inc)
	require.NoError(t, err)
	return svc.Handle(context.Background(), data)
}

func TestHandleUpsertsIncident(t *testing.T) {
	store := &stubStore{}
	dl := &stubDeadLetterer{}
	reg := &stubRegistry{}
	svc := newTestService(store, dl, reg)

	require.NoError(t, handleIncident(t, svc, enrichedIncident()))

	require.Len(t, store.upserts, 1)
	stored := store.upserts[0].incident
	assert.Equal(t, "INC-mv-aurora-comms-1763121600", stored.IncidentID)
	assert.Equal(t, "mv-aurora", stored.ShipID)
	assert.True(t, stored.CacheHit)
	assert.Equal(t, "power feed instability", stored.AIInsights.RootCause)
	assert.Empty(t, dl.records)
	assert.Equal(t, 0, reg.calls, "a usable ship id needs no registry lookup")

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats["incidents_upserted"])
	assert.Equal(t, int64(0), stats["ship_re_resolved"])
}

func TestHandleWritesDeterministicTimeline(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubDeadLetterer{}, &stubRegistry{})

	inc := enrichedIncident()
	require.NoError(t, handleIncident(t, svc, inc))
	require.NoError(t, handleIncident(t, svc, inc))

	require.Len(t, store.upserts, 2)
	first, second := store.upserts[0].timeline, store.upserts[1].timeline
	require.Len(t, first, 2)
	assert.Equal(t, models.IncidentOpen, first[0].Status)
	assert.Equal(t, inc.Timestamp, first[0].Timestamp)
	assert.Contains(t, first[0].Note, "correlated from 3 anomalies")
	assert.Equal(t, inc.Timestamp.Add(2500*time.Millisecond), first[1].Timestamp)
	assert.Contains(t, first[1].Note, "cache_hit=true")
	assert.Equal(t, first, second, "redelivery must write an identical timeline")
}

func TestHandleReResolvesUnknownShipViaRegistry(t *testing.T) {
	store := &stubStore{}
	reg := &stubRegistry{mapping: registry.Mapping{ShipID: "mv-borealis", DeviceID: "antenna-2"}}
	svc := newTestService(store, &stubDeadLetterer{}, reg)

	inc := enrichedIncident()
	inc.ShipID = "unknown-ship"
	inc.Meta.ShipIDSource = "no_hostname"
	require.NoError(t, handleIncident(t, svc, inc))

	require.Len(t, store.upserts, 1)
	stored := store.upserts[0].incident
	assert.Equal(t, "mv-borealis", stored.ShipID)
	assert.Equal(t, "registry", stored.Meta.ShipIDSource)
	assert.Equal(t, 1, reg.calls)
	assert.Equal(t, int64(1), svc.Stats()["ship_re_resolved"])
}

func TestHandleReResolvesFromHostnameWhenRegistryDown(t *testing.T) {
	store := &stubStore{}
	reg := &stubRegistry{err: errors.New("registry unreachable")}
	svc := newTestService(store, &stubDeadLetterer{}, reg)

	inc := enrichedIncident()
	inc.ShipID = "unknown-ship"
	require.NoError(t, handleIncident(t, svc, inc))

	require.Len(t, store.upserts, 1)
	stored := store.upserts[0].incident
	assert.Equal(t, "bridge-ship", stored.ShipID)
	assert.Equal(t, "hostname_fallback", stored.Meta.ShipIDSource)
}

func TestHandleKeepsUnknownShipWithoutSourceHost(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubDeadLetterer{}, &stubRegistry{err: errors.New("down")})

	inc := enrichedIncident()
	inc.ShipID = "unknown-ship"
	inc.Meta.SourceHost = ""
	require.NoError(t, handleIncident(t, svc, inc))

	require.Len(t, store.upserts, 1)
	assert.Equal(t, "unknown-ship", store.upserts[0].incident.ShipID)
	assert.Equal(t, int64(0), svc.Stats()["ship_re_resolved"], "nothing to repair with")
}

func TestHandleMalformedPayloadDeadLetters(t *testing.T) {
	store := &stubStore{}
	dl := &stubDeadLetterer{}
	svc := newTestService(store, dl, &stubRegistry{})

	err := svc.Handle(context.Background(), []byte("{broken"))
	require.Error(t, err)
	assert.True(t, models.IsSchemaError(err))

	require.Len(t, dl.records, 1)
	assert.Equal(t, bus.SubjectIncidentsEnriched, dl.records[0].origin)
	assert.Equal(t, "schema", dl.records[0].kind)
	assert.Empty(t, store.upserts)
}

func TestHandleSchemaMismatchDeadLetters(t *testing.T) {
	dl := &stubDeadLetterer{}
	svc := newTestService(&stubStore{}, dl, &stubRegistry{})

	inc := enrichedIncident()
	inc.SchemaVersion = "2.0"
	err := handleIncident(t, svc, inc)
	require.Error(t, err)
	assert.True(t, models.IsSchemaError(err))
	require.Len(t, dl.records, 1)
	assert.Equal(t, "schema", dl.records[0].kind)
}

func TestHandleMissingIncidentIDDeadLetters(t *testing.T) {
	dl := &stubDeadLetterer{}
	svc := newTestService(&stubStore{}, dl, &stubRegistry{})

	inc := enrichedIncident()
	inc.IncidentID = ""
	err := handleIncident(t, svc, inc)
	require.Error(t, err)
	assert.True(t, models.IsSchemaError(err))
}

func TestHandleZeroEvidenceDeadLetters(t *testing.T) {
	dl := &stubDeadLetterer{}
	store := &stubStore{}
	svc := newTestService(store, dl, &stubRegistry{})

	inc := enrichedIncident()
	inc.Evidence = nil
	err := handleIncident(t, svc, inc)
	require.Error(t, err)
	assert.True(t, models.IsInvariantViolation(err))
	require.Len(t, dl.records, 1)
	assert.Equal(t, "invariant", dl.records[0].kind)
	assert.Empty(t, store.upserts)
}

func TestHandleStoreFailureReturnsTransientError(t *testing.T) {
	store := &stubStore{err: errors.New("clickhouse unavailable")}
	dl := &stubDeadLetterer{}
	svc := newTestService(store, dl, &stubRegistry{})

	err := handleIncident(t, svc, enrichedIncident())
	require.Error(t, err)
	assert.False(t, models.IsSchemaError(err), "store failures must redeliver, not terminate")
	assert.False(t, models.IsInvariantViolation(err))
	assert.Empty(t, dl.records)

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats["store_errors"])
	assert.Equal(t, int64(0), stats["incidents_upserted"])
}

func TestOrderingKey_SpreadsByIncident(t *testing.T) {
	inc := enrichedIncident()
	data, err := json.Marshal(&inc)
	require.NoError(t, err)

	assert.Equal(t, inc.IncidentID, OrderingKey(data))
	assert.Equal(t, "unparsed", OrderingKey([]byte(`{"incident_id":`)))
}
