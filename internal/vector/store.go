// Package vector stores incident embeddings in Weaviate and recalls
// similar past incidents by cosine distance. All access goes through
// the official v5 SDK.
package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	wv "github.com/weaviate/weaviate-go-client/v5/weaviate"
	wm "github.com/weaviate/weaviate/entities/models"

	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/pkg/logger"
)

const className = "ShipIncident"

// Store wraps the Weaviate client for the incident collection.
type Store struct {
	client *wv.Client
	logger logger.Logger
	// schemaInit ensures we attempt to create the class only once.
	schemaInit sync.Once
	schemaErr  error
}

// NewStore builds a store from the vector endpoint URL. The class is
// created lazily on first write.
func NewStore(cfg config.VectorConfig, log logger.Logger) (*Store, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid vector store url %q: %w", cfg.URL, err)
	}
	scheme := u.Scheme
	if scheme == "" {
		scheme = "http"
	}
	client, err := wv.NewClient(wv.Config{Scheme: scheme, Host: u.Host})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	return &Store{client: client, logger: log}, nil
}

// Ready probes the vector store for /health.
func (s *Store) Ready(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("vector store readiness: %w", err)
	}
	if !ready {
		return fmt.Errorf("vector store not ready")
	}
	return nil
}

// objectID derives the deterministic Weaviate object id for an
// incident, so re-upserts land on the same object.
func objectID(incidentID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(className+"|"+incidentID)).String()
}

func (s *Store) ensureClass(ctx context.Context) error {
	s.schemaInit.Do(func() {
		classDef := &wm.Class{
			Class:      className,
			Vectorizer: "none", // vectors supplied by the caller
			Properties: []*wm.Property{
				{Name: "incidentId", DataType: []string{"string"}},
				{Name: "incidentType", DataType: []string{"string"}},
				{Name: "shipId", DataType: []string{"string"}},
				{Name: "severity", DataType: []string{"string"}},
				{Name: "summary", DataType: []string{"text"}},
				{Name: "resolution", DataType: []string{"text"}},
				{Name: "createdAt", DataType: []string{"date"}},
			},
		}
		if err := s.client.Schema().ClassCreator().WithClass(classDef).Do(ctx); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				// Another service created it concurrently; treat as success.
				return
			}
			s.schemaErr = fmt.Errorf("create %s class: %w", className, err)
			return
		}
		s.logger.Info("vector class created", "class", className)
	})
	return s.schemaErr
}

// Upsert stores one incident's embedding with its payload for future
// similarity recall. resolution is the remediation text shown to
// operators when this incident is recalled later.
func (s *Store) Upsert(ctx context.Context, inc *models.IncidentEnriched, vec []float32) error {
	if err := s.ensureClass(ctx); err != nil {
		return err
	}

	props := map[string]any{
		"incidentId":   inc.IncidentID,
		"incidentType": string(inc.IncidentType),
		"shipId":       inc.ShipID,
		"severity":     string(inc.Severity),
		"summary":      inc.Summary,
		"resolution":   inc.AIInsights.Remediation,
		"createdAt":    inc.Timestamp.Format(time.RFC3339Nano),
	}
	objID := objectID(inc.IncidentID)

	_, err := s.client.Data().Creator().
		WithClassName(className).
		WithID(objID).
		WithProperties(props).
		WithVector(vec).
		Do(ctx)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("vector upsert %s: %w", inc.IncidentID, err)
	}
	// Redelivered incident: same object id, refresh in place.
	if err := s.client.Data().Updater().
		WithClassName(className).
		WithID(objID).
		WithProperties(props).
		WithVector(vec).
		Do(ctx); err != nil {
		return fmt.Errorf("vector update %s: %w", inc.IncidentID, err)
	}
	return nil
}

type searchHit struct {
	IncidentID string `json:"incidentId"`
	Resolution string `json:"resolution"`
	Additional struct {
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

// Search returns up to limit past incidents nearest to vec by cosine
// distance, most similar first. An empty or missing collection yields
// an empty slice, not an error.
func (s *Store) Search(ctx context.Context, vec []float32, limit int) ([]models.SimilarIncident, error) {
	if limit <= 0 {
		limit = 3
	}
	query := fmt.Sprintf(`{
		Get {
			%s(nearVector: {vector: %s}, limit: %d) {
				incidentId
				resolution
				_additional { distance }
			}
		}
	}`, className, formatVector(vec), limit)

	resp, err := s.client.GraphQL().Raw().WithQuery(query).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(resp.Errors) > 0 {
		// Class not created yet reads as a GraphQL error; callers treat
		// search failures as "no recall", so surface it as one error.
		return nil, fmt.Errorf("vector search: %s", resp.Errors[0].Message)
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("vector search marshal: %w", err)
	}
	var decoded struct {
		Get map[string][]searchHit `json:"Get"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("vector search decode: %w", err)
	}

	hits := decoded.Get[className]
	out := make([]models.SimilarIncident, 0, len(hits))
	for _, h := range hits {
		out = append(out, models.SimilarIncident{
			IncidentID:      h.IncidentID,
			SimilarityScore: 1 - h.Additional.Distance,
			Resolution:      h.Resolution,
		})
	}
	return out, nil
}

// formatVector renders a float32 slice as a GraphQL list literal.
func formatVector(vec []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
