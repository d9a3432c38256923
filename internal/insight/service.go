package insight

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/maristack/vigia-core/internal/bus"
	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/internal/monitoring"
	"github.com/maristack/vigia-core/pkg/logger"
	"github.com/maristack/vigia-core/pkg/tracking"
)

const serviceName = "insight"

// Publisher is the bus surface the insight stage writes through.
// Satisfied by *bus.Client.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
	DeadLetter(ctx context.Context, origin, kind, reason string, original []byte)
}

// Generator is the LLM surface. Satisfied by *llm.Client.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Model() string
}

// ResponseCache is the columnar-store response cache. Satisfied by
// *clickhouse.Client.
type ResponseCache interface {
	LLMCacheGet(ctx context.Context, key string) (string, bool, error)
	LLMCachePut(ctx context.Context, key, incidentType, responseType, text string, metadata map[string]string, ttl time.Duration) error
}

// VectorIndex recalls and stores incident embeddings. Satisfied by
// *vector.Store.
type VectorIndex interface {
	Search(ctx context.Context, vec []float32, limit int) ([]models.SimilarIncident, error)
	Upsert(ctx context.Context, inc *models.IncidentEnriched, vec []float32) error
}

// Service consumes incidents.created and emits incidents.enriched.
// Every published incident carries non-empty root cause and
// remediation text: generated, cached, or templated.
type Service struct {
	publisher  Publisher
	llm        Generator
	cache      ResponseCache
	vectors    VectorIndex
	logger     logger.Logger
	budget     time.Duration
	cacheTTL   time.Duration
	maxSimilar int

	processed       atomic.Int64
	enriched        atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	llmCalls        atomic.Int64
	timeouts        atomic.Int64
	errCount        atomic.Int64
	budgetExhausted atomic.Int64
	deadLettered    atomic.Int64
}

func NewService(pub Publisher, gen Generator, cache ResponseCache, vectors VectorIndex, cfg config.InsightConfig, log logger.Logger) *Service {
	budget := time.Duration(cfg.BudgetSeconds) * time.Second
	if budget <= 0 {
		budget = 10 * time.Second
	}
	ttl := time.Duration(cfg.CacheTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	maxSimilar := cfg.MaxSimilar
	if maxSimilar <= 0 {
		maxSimilar = 3
	}
	return &Service{
		publisher:  pub,
		llm:        gen,
		cache:      cache,
		vectors:    vectors,
		logger:     log,
		budget:     budget,
		cacheTTL:   ttl,
		maxSimilar: maxSimilar,
	}
}

// Handle enriches one created incident under the wall-clock budget.
// Cache, vector and LLM failures all degrade to partial results plus
// templated text; only schema problems dead-letter.
func (s *Service) Handle(ctx context.Context, data []byte) error {
	start := time.Now()
	defer func() { monitoring.RecordStageDuration(serviceName, "insight", time.Since(start)) }()
	s.processed.Add(1)

	var incident models.IncidentCreated
	if err := json.Unmarshal(data, &incident); err != nil {
		return s.deadLetter(ctx, "schema", "malformed incident: "+err.Error(), data,
			&models.SchemaError{Reason: "malformed incident payload"})
	}
	if err := incident.Validate(); err != nil {
		kind := "invariant"
		if models.IsSchemaError(err) {
			kind = "schema"
		}
		return s.deadLetter(ctx, kind, err.Error(), data, err)
	}
	ctx = tracking.WithID(ctx, incident.TrackingID)

	// Everything between here and publish shares the budget. When it
	// elapses, in-flight calls are cancelled and fallbacks fill gaps.
	bctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	vec := Embed(IncidentText(&incident))
	similar := s.recall(bctx, &incident, vec)

	rootCause, rootCached := s.response(bctx, ResponseRootCause, &incident, rootCausePrompt(&incident))
	if rootCause == "" {
		rootCause = fallbackRootCause(&incident)
	}
	remediation, remCached := s.response(bctx, ResponseRemediation, &incident,
		remediationPrompt(&incident, rootCause, similar))
	if remediation == "" {
		remediation = fallbackRemediation(&incident)
	}

	if bctx.Err() != nil {
		s.budgetExhausted.Add(1)
		monitoring.RecordBudgetExhausted()
		s.logger.Warn("insight budget exhausted, published with fallbacks",
			"tracking_id", incident.TrackingID, "incident_id", incident.IncidentID)
	}

	enriched := models.IncidentEnriched{
		IncidentCreated:  incident,
		AIInsights:       models.AIInsights{RootCause: rootCause, Remediation: remediation},
		SimilarIncidents: similar,
		CacheHit:         rootCached && remCached,
		ProcessingTimeMS: time.Since(start).Milliseconds(),
	}

	if err := s.vectors.Upsert(bctx, &enriched, vec); err != nil {
		s.logger.Warn("vector upsert failed",
			"tracking_id", incident.TrackingID, "incident_id", incident.IncidentID, "error", err)
	}

	if err := s.publisher.Publish(ctx, bus.SubjectIncidentsEnriched, &enriched); err != nil {
		payload, _ := json.Marshal(&enriched)
		s.deadLettered.Add(1)
		s.publisher.DeadLetter(ctx, bus.SubjectIncidentsEnriched, "publish_failed", err.Error(), payload)
		s.logger.Error("enriched incident publish failed",
			"tracking_id", incident.TrackingID, "error", err)
		return nil
	}

	s.enriched.Add(1)
	monitoring.RecordIncidentEnriched(enriched.CacheHit)
	s.logger.Info("incident enriched",
		"tracking_id", incident.TrackingID,
		"incident_id", incident.IncidentID,
		"cache_hit", enriched.CacheHit,
		"similar_found", len(similar),
		"processing_time_ms", enriched.ProcessingTimeMS,
	)
	return nil
}

// recall queries the vector store for similar past incidents. Any
// failure, including an empty or missing collection, reads as no
// recall.
func (s *Service) recall(ctx context.Context, incident *models.IncidentCreated, vec []float32) []models.SimilarIncident {
	similar, err := s.vectors.Search(ctx, vec, s.maxSimilar)
	if err != nil {
		s.logger.Debug("vector recall unavailable",
			"tracking_id", incident.TrackingID, "error", err)
		return []models.SimilarIncident{}
	}
	if similar == nil {
		similar = []models.SimilarIncident{}
	}
	return similar
}

// response produces the text for one response type: cached when fresh,
// generated otherwise, empty when generation failed (caller falls back
// to the template). Freshly generated text is written back to the
// cache; fallbacks never are.
func (s *Service) response(ctx context.Context, responseType string, incident *models.IncidentCreated, prompt string) (text string, fromCache bool) {
	key := CacheKey(responseType, incident)

	cached, found, err := s.cache.LLMCacheGet(ctx, key)
	switch {
	case err != nil:
		s.errCount.Add(1)
		monitoring.RecordLLMCacheLookup(responseType, "error")
		s.logger.Warn("response cache lookup failed",
			"tracking_id", incident.TrackingID, "response_type", responseType, "error", err)
	case found:
		s.cacheHits.Add(1)
		monitoring.RecordLLMCacheLookup(responseType, "hit")
		return cached, true
	default:
		s.cacheMisses.Add(1)
		monitoring.RecordLLMCacheLookup(responseType, "miss")
	}

	s.llmCalls.Add(1)
	generated, err := s.llm.Generate(ctx, prompt)
	if err != nil {
		status := "error"
		var timeout *models.DependencyTimeout
		if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
			s.timeouts.Add(1)
		} else {
			s.errCount.Add(1)
		}
		monitoring.RecordLLMCall(responseType, status)
		s.logger.Warn("generation failed, using fallback",
			"tracking_id", incident.TrackingID, "response_type", responseType,
			"status", status, "error", err)
		return "", false
	}
	monitoring.RecordLLMCall(responseType, "success")

	if err := s.cache.LLMCachePut(ctx, key, string(incident.IncidentType), responseType, generated,
		map[string]string{
			"model":       s.llm.Model(),
			"incident_id": incident.IncidentID,
			"ship_id":     incident.ShipID,
		}, s.cacheTTL); err != nil {
		s.logger.Warn("response cache write failed",
			"tracking_id", incident.TrackingID, "response_type", responseType, "error", err)
	}
	return generated, false
}

func (s *Service) deadLetter(ctx context.Context, kind, reason string, original []byte, err error) error {
	s.deadLettered.Add(1)
	s.publisher.DeadLetter(ctx, bus.SubjectIncidentsCreated, kind, reason, original)
	s.logger.Warn("incident dead-lettered", "reason", reason)
	return err
}

// Stats exposes the service counters for the /stats endpoint.
func (s *Service) Stats() map[string]any {
	return map[string]any{
		"incidents_processed": s.processed.Load(),
		"incidents_enriched":  s.enriched.Load(),
		"cache_hits":          s.cacheHits.Load(),
		"cache_misses":        s.cacheMisses.Load(),
		"llm_calls":           s.llmCalls.Load(),
		"timeouts":            s.timeouts.Load(),
		"errors":              s.errCount.Load(),
		"budget_exhausted":    s.budgetExhausted.Load(),
		"dead_lettered":       s.deadLettered.Load(),
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
