package insight

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maristack/vigia-core/internal/bus"
	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
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

// stubLLM answers root-cause and remediation prompts with canned text,
// keyed off the prompt's closing instruction.
type stubLLM struct {
	mu      sync.Mutex
	rootErr error
	remErr  error
	delay   time.Duration
	prompts []string
}

func (l *stubLLM) Generate(ctx context.Context, prompt string) (string, error) {
	l.mu.Lock()
	l.prompts = append(l.prompts, prompt)
	l.mu.Unlock()
	if l.delay > 0 {
		select {
		case <-ctx.Done():
			return "", &models.DependencyTimeout{Dependency: "ollama", Err: ctx.Err()}
		case <-time.After(l.delay):
		}
	}
	if strings.Contains(prompt, "most likely root cause") {
		if l.rootErr != nil {
			return "", l.rootErr
		}
		return "The VSAT modem is power-cycling due to an unstable feed.", nil
	}
	if l.remErr != nil {
		return "", l.remErr
	}
	return "1. Inspect the modem power feed. 2. Restart the modem.", nil
}

func (l *stubLLM) Model() string { return "mistral:7b-instruct" }

func (l *stubLLM) promptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prompts)
}

type cachePut struct {
	key          string
	incidentType string
	responseType string
	text         string
	metadata     map[string]string
	ttl          time.Duration
}

type stubCache struct {
	mu      sync.Mutex
	entries map[string]string
	getErr  error
	putErr  error
	puts    []cachePut
}

func (c *stubCache) LLMCacheGet(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return "", false, c.getErr
	}
	text, ok := c.entries[key]
	return text, ok, nil
}

func (c *stubCache) LLMCachePut(_ context.Context, key, incidentType, responseType, text string, metadata map[string]string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	c.puts = append(c.puts, cachePut{
		key: key, incidentType: incidentType, responseType: responseType,
		text: text, metadata: metadata, ttl: ttl,
	})
	return nil
}

type stubVectors struct {
	mu        sync.Mutex
	similar   []models.SimilarIncident
	searchErr error
	upserts   []models.IncidentEnriched
	upsertErr error
}

func (v *stubVectors) Search(_ context.Context, _ []float32, _ int) ([]models.SimilarIncident, error) {
	return v.similar, v.searchErr
}

func (v *stubVectors) Upsert(_ context.Context, inc *models.IncidentEnriched, _ []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.upsertErr != nil {
		return v.upsertErr
	}
	v.upserts = append(v.upserts, *inc)
	return nil
}

func newTestService(pub *stubPublisher, gen *stubLLM, cache *stubCache, vectors *stubVectors) *Service {
	cfg := config.InsightConfig{BudgetSeconds: 5, CacheTTLHours: 24, MaxSimilar: 3}
	return NewService(pub, gen, cache, vectors, cfg, logger.New("error", "json"))
}

func createdIncident() models.IncidentCreated {
	env := models.NewEnvelope("req-1700000000000000-abcdefabcdef")
	return models.IncidentCreated{
		Envelope:     env,
		IncidentID:   "INC-mv-aurora-comms-1700000000",
		IncidentType: models.DomainComms,
		ShipID:       "mv-aurora",
		Severity:     models.SeverityHigh,
		Summary:      "3 comms anomalies on mv-aurora, worst severity high",
		Status:       models.IncidentOpen,
		Evidence: []models.Evidence{
			{TrackingID: "req-1700000000000000-abcdefabcdef", Timestamp: env.Timestamp, Detector: "log_level", Score: 0.85, Msg: "vsat link degraded"},
			{TrackingID: "req-1700000001000000-abcdefabcdef", Timestamp: env.Timestamp, Detector: "log_level", Score: 0.7, Msg: "modem reset"},
			{TrackingID: "req-1700000002000000-abcdefabcdef", Timestamp: env.Timestamp, Detector: "log_level", Score: 0.85, Msg: "carrier lost"},
		},
		Meta: models.IncidentMeta{
			TrackingIDs: []string{
				"req-1700000000000000-abcdefabcdef",
				"req-1700000001000000-abcdefabcdef",
				"req-1700000002000000-abcdefabcdef",
			},
			Detectors:  []string{"log_level"},
			WindowSize: 3,
			Service:    "vsat-modem",
		},
	}
}

func handleIncident(t *testing.T, svc *Service, inc models.IncidentCreated) error {
	t.Helper()
	data, err := json.Marshal(&inc)
	require.NoError(t, err)
	return svc.Handle(context.Background(), data)
}

func lastEnriched(t *testing.T, pub *stubPublisher) *models.IncidentEnriched {
	t.Helper()
	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.NotEmpty(t, pub.published, "expected a published incident")
	rec := pub.published[len(pub.published)-1]
	require.Equal(t, bus.SubjectIncidentsEnriched, rec.subject)
	enriched, ok := rec.record.(*models.IncidentEnriched)
	require.True(t, ok, "published record has type %T", rec.record)
	return enriched
}

func TestHandleGeneratesBothResponses(t *testing.T) {
	pub := &stubPublisher{}
	gen := &stubLLM{}
	cache := &stubCache{}
	vectors := &stubVectors{similar: []models.SimilarIncident{
		{IncidentID: "INC-mv-borealis-comms-1690000000", SimilarityScore: 0.91, Resolution: "rebooted the modem"},
	}}
	svc := newTestService(pub, gen, cache, vectors)

	require.NoError(t, handleIncident(t, svc, createdIncident()))

	enriched := lastEnriched(t, pub)
	assert.Equal(t, "INC-mv-aurora-comms-1700000000", enriched.IncidentID)
	assert.Contains(t, enriched.AIInsights.RootCause, "power-cycling")
	assert.Contains(t, enriched.AIInsights.Remediation, "Restart the modem")
	assert.False(t, enriched.CacheHit)
	require.Len(t, enriched.SimilarIncidents, 1)
	assert.Equal(t, "rebooted the modem", enriched.SimilarIncidents[0].Resolution)
	assert.GreaterOrEqual(t, enriched.ProcessingTimeMS, int64(0))

	assert.Equal(t, 2, gen.promptCount())
	require.Len(t, cache.puts, 2, "both fresh responses should be written back")
	assert.Equal(t, ResponseRootCause, cache.puts[0].responseType)
	assert.Equal(t, ResponseRemediation, cache.puts[1].responseType)
	assert.Equal(t, "comms", cache.puts[0].incidentType)
	assert.Equal(t, 24*time.Hour, cache.puts[0].ttl)
	assert.Equal(t, "mistral:7b-instruct", cache.puts[0].metadata["model"])
	assert.Equal(t, "INC-mv-aurora-comms-1700000000", cache.puts[0].metadata["incident_id"])

	require.Len(t, vectors.upserts, 1)
	assert.Equal(t, enriched.IncidentID, vectors.upserts[0].IncidentID)
}

func TestHandleRemediationPromptCarriesContext(t *testing.T) {
	pub := &stubPublisher{}
	gen := &stubLLM{}
	cache := &stubCache{}
	vectors := &stubVectors{similar: []models.SimilarIncident{
		{IncidentID: "INC-old", SimilarityScore: 0.88, Resolution: "swapped the LNB cable"},
		{IncidentID: "INC-older", SimilarityScore: 0.80},
	}}
	svc := newTestService(pub, gen, cache, vectors)

	require.NoError(t, handleIncident(t, svc, createdIncident()))

	require.Equal(t, 2, gen.promptCount())
	rootPrompt, remPrompt := gen.prompts[0], gen.prompts[1]
	assert.Contains(t, rootPrompt, "ship mv-aurora")
	assert.Contains(t, rootPrompt, "vsat link degraded")
	assert.Contains(t, remPrompt, "power-cycling", "remediation prompt should embed the root-cause text")
	assert.Contains(t, remPrompt, "resolved by: swapped the LNB cable")
	assert.NotContains(t, remPrompt, "INC-older", "similar incidents without resolutions add nothing")
}

func TestHandleServesBothFromCache(t *testing.T) {
	inc := createdIncident()
	cache := &stubCache{entries: map[string]string{
		CacheKey(ResponseRootCause, &inc):   "cached root cause",
		CacheKey(ResponseRemediation, &inc): "cached remediation",
	}}
	pub := &stubPublisher{}
	gen := &stubLLM{}
	svc := newTestService(pub, gen, cache, &stubVectors{})

	require.NoError(t, handleIncident(t, svc, inc))

	enriched := lastEnriched(t, pub)
	assert.True(t, enriched.CacheHit)
	assert.Equal(t, "cached root cause", enriched.AIInsights.RootCause)
	assert.Equal(t, "cached remediation", enriched.AIInsights.Remediation)
	assert.Zero(t, gen.promptCount(), "cache hits must not call the LLM")
	assert.Empty(t, cache.puts, "cached responses are not written back")
}

func TestHandlePartialCacheHitIsNotACacheHit(t *testing.T) {
	inc := createdIncident()
	cache := &stubCache{entries: map[string]string{
		CacheKey(ResponseRootCause, &inc): "cached root cause",
	}}
	pub := &stubPublisher{}
	gen := &stubLLM{}
	svc := newTestService(pub, gen, cache, &stubVectors{})

	require.NoError(t, handleIncident(t, svc, inc))

	enriched := lastEnriched(t, pub)
	assert.False(t, enriched.CacheHit)
	assert.Equal(t, "cached root cause", enriched.AIInsights.RootCause)
	assert.Contains(t, enriched.AIInsights.Remediation, "Restart the modem")
	assert.Equal(t, 1, gen.promptCount())
}

func TestHandleFallsBackOnGenerationError(t *testing.T) {
	pub := &stubPublisher{}
	gen := &stubLLM{
		rootErr: &models.DependencyUnavailable{Dependency: "ollama", Err: errors.New("breaker open")},
		remErr:  &models.DependencyUnavailable{Dependency: "ollama", Err: errors.New("breaker open")},
	}
	cache := &stubCache{}
	svc := newTestService(pub, gen, cache, &stubVectors{})

	require.NoError(t, handleIncident(t, svc, createdIncident()))

	enriched := lastEnriched(t, pub)
	assert.False(t, enriched.CacheHit)
	for _, text := range []string{enriched.AIInsights.RootCause, enriched.AIInsights.Remediation} {
		assert.Contains(t, text, "comms")
		assert.Contains(t, text, "high")
		assert.Contains(t, text, "vsat-modem")
	}
	assert.Empty(t, cache.puts, "fallback text must never be cached")

	stats := svc.Stats()
	assert.Equal(t, int64(2), stats["errors"])
	assert.Equal(t, int64(1), stats["incidents_enriched"])
}

func TestHandleBudgetExhaustionPublishesFallbacks(t *testing.T) {
	pub := &stubPublisher{}
	gen := &stubLLM{delay: 10 * time.Second}
	cache := &stubCache{}
	cfg := config.InsightConfig{BudgetSeconds: 1, CacheTTLHours: 24, MaxSimilar: 3}
	svc := NewService(pub, gen, cache, &stubVectors{}, cfg, logger.New("error", "json"))

	start := time.Now()
	require.NoError(t, handleIncident(t, svc, createdIncident()))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 3*time.Second, "budget must bound handling time")

	enriched := lastEnriched(t, pub)
	assert.False(t, enriched.CacheHit)
	assert.Contains(t, enriched.AIInsights.RootCause, "unavailable")
	assert.GreaterOrEqual(t, enriched.ProcessingTimeMS, int64(1000))

	stats := svc.Stats()
	assert.Equal(t, int64(1), stats["budget_exhausted"])
	assert.GreaterOrEqual(t, stats["timeouts"].(int64), int64(1))
}

func TestHandleVectorFailureDegradesToEmptyRecall(t *testing.T) {
	pub := &stubPublisher{}
	vectors := &stubVectors{searchErr: errors.New("weaviate unreachable"), upsertErr: errors.New("weaviate unreachable")}
	svc := newTestService(pub, &stubLLM{}, &stubCache{}, vectors)

	require.NoError(t, handleIncident(t, svc, createdIncident()))

	enriched := lastEnriched(t, pub)
	require.NotNil(t, enriched.SimilarIncidents)
	assert.Empty(t, enriched.SimilarIncidents)
	assert.Contains(t, enriched.AIInsights.RootCause, "power-cycling", "recall failure must not block generation")
}

func TestHandleCacheLookupErrorFallsThroughToLLM(t *testing.T) {
	pub := &stubPublisher{}
	gen := &stubLLM{}
	cache := &stubCache{getErr: errors.New("clickhouse down"), putErr: errors.New("clickhouse down")}
	svc := newTestService(pub, gen, cache, &stubVectors{})

	require.NoError(t, handleIncident(t, svc, createdIncident()))

	enriched := lastEnriched(t, pub)
	assert.Contains(t, enriched.AIInsights.RootCause, "power-cycling")
	assert.Equal(t, 2, gen.promptCount())
	assert.Equal(t, int64(2), svc.Stats()["errors"])
}

func TestHandleMalformedPayloadDeadLetters(t *testing.T) {
	pub := &stubPublisher{}
	svc := newTestService(pub, &stubLLM{}, &stubCache{}, &stubVectors{})

	err := svc.Handle(context.Background(), []byte("{broken"))
	require.Error(t, err)
	assert.True(t, models.IsSchemaError(err))

	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, bus.SubjectIncidentsCreated, pub.deadLetters[0].origin)
	assert.Equal(t, "schema", pub.deadLetters[0].kind)
	assert.Empty(t, pub.published)
}

func TestHandleInvariantViolationDeadLetters(t *testing.T) {
	pub := &stubPublisher{}
	svc := newTestService(pub, &stubLLM{}, &stubCache{}, &stubVectors{})

	inc := createdIncident()
	inc.Evidence = nil
	err := handleIncident(t, svc, inc)
	require.Error(t, err)

	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, "invariant", pub.deadLetters[0].kind)
	assert.Empty(t, pub.published)
}

func TestHandlePublishFailureDeadLetters(t *testing.T) {
	pub := &stubPublisher{publishErr: errors.New("jetstream unavailable")}
	svc := newTestService(pub, &stubLLM{}, &stubCache{}, &stubVectors{})

	require.NoError(t, handleIncident(t, svc, createdIncident()), "publish failure is dead-lettered, not redelivered")

	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, bus.SubjectIncidentsEnriched, pub.deadLetters[0].origin)
	assert.Equal(t, "publish_failed", pub.deadLetters[0].kind)
	assert.Equal(t, int64(0), svc.Stats()["incidents_enriched"])
}

func TestStatsCounters(t *testing.T) {
	inc := createdIncident()
	cache := &stubCache{entries: map[string]string{
		CacheKey(ResponseRootCause, &inc):   "cached root cause",
		CacheKey(ResponseRemediation, &inc): "cached remediation",
	}}
	pub := &stubPublisher{}
	svc := newTestService(pub, &stubLLM{}, cache, &stubVectors{})

	require.NoError(t, handleIncident(t, svc, inc))
	require.NoError(t, handleIncident(t, svc, inc))

	stats := svc.Stats()
	assert.Equal(t, int64(2), stats["incidents_processed"])
	assert.Equal(t, int64(2), stats["incidents_enriched"])
	assert.Equal(t, int64(4), stats["cache_hits"])
	assert.Equal(t, int64(0), stats["llm_calls"])
}

func TestOrderingKey_SpreadsByIncident(t *testing.T) {
	inc := createdIncident()
	data, err := json.Marshal(&inc)
	require.NoError(t, err)

	assert.Equal(t, inc.IncidentID, OrderingKey(data))
	assert.Equal(t, "unparsed", OrderingKey([]byte(`{"incident_id":`)))
	assert.Equal(t, "unparsed", OrderingKey([]byte(`{"ship_id":"mv-aurora"}`)))
}
