package clickhouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maristack/vigia-core/internal/models"
)

// DeviceMeta is the fleet-inventory record for one device.
type DeviceMeta struct {
	DeviceType  string `json:"device_type"`
	Vendor      string `json:"vendor"`
	Model       string `json:"model"`
	Location    string `json:"location"`
	Criticality string `json:"criticality"`
}

// FailureHistory summarizes a ship+domain's anomaly volume over the
// trailing 24 hours: totals by severity, mean score, hourly rate.
type FailureHistory struct {
	Total      uint64            `json:"total"`
	BySeverity map[string]uint64 `json:"by_severity"`
	MeanScore  float64           `json:"mean_score"`
	PerHour    float64           `json:"per_hour"`
}

// AnomalyRow is one historical anomaly as returned by similarity
// lookups.
type AnomalyRow struct {
	TrackingID string    `json:"tracking_id"`
	Timestamp  time.Time `json:"ts"`
	Severity   string    `json:"severity"`
	Score      float64   `json:"score"`
	Detector   string    `json:"detector"`
	Service    string    `json:"service,omitempty"`
	MetricName string    `json:"metric_name,omitempty"`
	Msg        string    `json:"msg"`
}

// IncidentSummary is the short form used in enrichment context.
type IncidentSummary struct {
	IncidentID string    `json:"incident_id"`
	Severity   string    `json:"severity"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// DeviceMeta looks up inventory data for a device. found is false when
// the device is not in the inventory; that is not an error.
func (c *Client) DeviceMeta(ctx context.Context, shipID, deviceID string) (DeviceMeta, bool, error) {
	var m DeviceMeta
	row := c.conn.QueryRow(ctx, `
		SELECT device_type, vendor, model, location, criticality
		FROM devices FINAL
		WHERE ship_id = ? AND device_id = ?
		LIMIT 1`, shipID, deviceID)
	if err := row.Scan(&m.DeviceType, &m.Vendor, &m.Model, &m.Location, &m.Criticality); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeviceMeta{}, false, nil
		}
		return DeviceMeta{}, false, fmt.Errorf("device meta: %w", err)
	}
	return m, true, nil
}

// FailureHistory aggregates 24 hours of anomalies for a ship+domain.
func (c *Client) FailureHistory(ctx context.Context, shipID string, domain models.Domain) (FailureHistory, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT severity, count() AS n, sum(score) AS s
		FROM anomalies
		WHERE ship_id = ? AND domain = ? AND ts >= now() - INTERVAL 24 HOUR
		GROUP BY severity`, shipID, string(domain))
	if err != nil {
		return FailureHistory{}, fmt.Errorf("failure history: %w", err)
	}
	defer rows.Close()

	h := FailureHistory{BySeverity: map[string]uint64{}}
	var scoreSum float64
	for rows.Next() {
		var severity string
		var n uint64
		var s float64
		if err := rows.Scan(&severity, &n, &s); err != nil {
			return FailureHistory{}, fmt.Errorf("failure history scan: %w", err)
		}
		h.BySeverity[severity] = n
		h.Total += n
		scoreSum += s
	}
	if err := rows.Err(); err != nil {
		return FailureHistory{}, fmt.Errorf("failure history rows: %w", err)
	}
	if h.Total > 0 {
		h.MeanScore = scoreSum / float64(h.Total)
	}
	h.PerHour = float64(h.Total) / 24.0
	return h, nil
}

// SimilarAnomalies returns up to limit historical anomalies matching
// (ship_id, domain, anomaly_type) over the trailing 7 days, newest
// first. metricName and service narrow the match when non-empty.
func (c *Client) SimilarAnomalies(ctx context.Context, shipID string, domain models.Domain, anomalyType, metricName, service string, limit int) ([]AnomalyRow, error) {
	if limit <= 0 {
		limit = 10
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT tracking_id, ts, severity, score, detector, service, metric_name, msg
		FROM anomalies
		WHERE ship_id = ? AND domain = ? AND anomaly_type = ?
		  AND ts >= now() - INTERVAL 7 DAY`)
	args := []any{shipID, string(domain), anomalyType}
	if metricName != "" {
		sb.WriteString(" AND metric_name = ?")
		args = append(args, metricName)
	}
	if service != "" {
		sb.WriteString(" AND service = ?")
		args = append(args, service)
	}
	sb.WriteString(" ORDER BY ts DESC LIMIT ?")
	args = append(args, limit)

	rows, err := c.conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("similar anomalies: %w", err)
	}
	defer rows.Close()

	var out []AnomalyRow
	for rows.Next() {
		var r AnomalyRow
		if err := rows.Scan(&r.TrackingID, &r.Timestamp, &r.Severity, &r.Score,
			&r.Detector, &r.Service, &r.MetricName, &r.Msg); err != nil {
			return nil, fmt.Errorf("similar anomalies scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentIncidents lists incidents of one type for a ship over 24h,
// newest first.
func (c *Client) RecentIncidents(ctx context.Context, shipID string, incidentType models.Domain, limit int) ([]IncidentSummary, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := c.conn.Query(ctx, `
		SELECT incident_id, severity, status, created_at
		FROM incidents FINAL
		WHERE ship_id = ? AND incident_type = ? AND created_at >= now() - INTERVAL 24 HOUR
		ORDER BY created_at DESC
		LIMIT ?`, shipID, string(incidentType), limit)
	if err != nil {
		return nil, fmt.Errorf("recent incidents: %w", err)
	}
	defer rows.Close()

	var out []IncidentSummary
	for rows.Next() {
		var s IncidentSummary
		if err := rows.Scan(&s.IncidentID, &s.Severity, &s.Status, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("recent incidents scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// IncidentResolution returns the remediation text stored for an
// incident, used to annotate vector-recall results.
func (c *Client) IncidentResolution(ctx context.Context, incidentID string) (string, error) {
	var insightsJSON string
	row := c.conn.QueryRow(ctx, `
		SELECT ai_insights
		FROM incidents FINAL
		WHERE incident_id = ?
		LIMIT 1`, incidentID)
	if err := row.Scan(&insightsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("incident resolution: %w", err)
	}
	var insights models.AIInsights
	if err := json.Unmarshal([]byte(insightsJSON), &insights); err != nil {
		return "", nil
	}
	return insights.Remediation, nil
}

// InsertAnomaly appends one anomaly to the history table.
func (c *Client) InsertAnomaly(ctx context.Context, a *models.AnomalyDetected) error {
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO anomalies (tracking_id, ts, ship_id, device_id, service,
			domain, anomaly_type, detector, severity, score, metric_name,
			metric_value, msg)`)
	if err != nil {
		return fmt.Errorf("insert anomaly prepare: %w", err)
	}
	if err := batch.Append(
		a.TrackingID, a.Timestamp, a.ShipID, a.DeviceID, a.Service,
		string(a.Domain), a.AnomalyType, a.Detector, string(a.Severity),
		a.Score, a.MetricName, a.MetricValue, a.Msg,
	); err != nil {
		return fmt.Errorf("insert anomaly append: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert anomaly send: %w", err)
	}
	return nil
}

// UpsertIncident writes a final incident row. created_at is the
// incident's own envelope timestamp, so a re-delivered incident writes
// the same created_at and only updated_at moves; ReplacingMergeTree
// keeps the newest row per incident_id.
func (c *Client) UpsertIncident(ctx context.Context, inc *models.IncidentEnriched, timeline []models.TimelineEntry) error {
	evidence, err := json.Marshal(inc.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	insights, err := json.Marshal(inc.AIInsights)
	if err != nil {
		return fmt.Errorf("marshal ai insights: %w", err)
	}
	similar, err := json.Marshal(inc.SimilarIncidents)
	if err != nil {
		return fmt.Errorf("marshal similar incidents: %w", err)
	}
	timelineJSON, err := json.Marshal(timeline)
	if err != nil {
		return fmt.Errorf("marshal timeline: %w", err)
	}

	windowStart, windowEnd := evidenceBounds(inc.Evidence, inc.Timestamp)

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO incidents (incident_id, incident_type, ship_id, severity,
			status, summary, anomaly_count, window_start, window_end, evidence,
			ai_insights, similar_incidents, timeline, cache_hit,
			processing_time_ms, tracking_id, ship_id_source, created_at,
			updated_at)`)
	if err != nil {
		return fmt.Errorf("upsert incident prepare: %w", err)
	}
	if err := batch.Append(
		inc.IncidentID, string(inc.IncidentType), inc.ShipID, string(inc.Severity),
		string(inc.Status), inc.Summary, uint32(len(inc.Evidence)), windowStart,
		windowEnd, string(evidence), string(insights), string(similar),
		string(timelineJSON), inc.CacheHit, inc.ProcessingTimeMS,
		inc.TrackingID, inc.Meta.ShipIDSource, inc.Timestamp, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("upsert incident append: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("upsert incident send: %w", err)
	}
	return nil
}

func evidenceBounds(evidence []models.Evidence, fallback time.Time) (time.Time, time.Time) {
	if len(evidence) == 0 {
		return fallback, fallback
	}
	start, end := evidence[0].Timestamp, evidence[0].Timestamp
	for _, e := range evidence[1:] {
		if e.Timestamp.Before(start) {
			start = e.Timestamp
		}
		if e.Timestamp.After(end) {
			end = e.Timestamp
		}
	}
	return start, end
}

// LLMCacheGet returns the cached response text for a key, if present
// and unexpired.
func (c *Client) LLMCacheGet(ctx context.Context, key string) (string, bool, error) {
	var text string
	row := c.conn.QueryRow(ctx, `
		SELECT response_text
		FROM llm_cache
		WHERE cache_key = ? AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT 1`, key)
	if err := row.Scan(&text); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("llm cache get: %w", err)
	}
	return text, true, nil
}

// LLMCachePut stores generated text under a key with the given TTL.
// metadata is free-form provenance (model, ship, prompt hash).
func (c *Client) LLMCachePut(ctx context.Context, key, incidentType, responseType, text string, metadata map[string]string, ttl time.Duration) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("llm cache put marshal metadata: %w", err)
	}
	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO llm_cache (cache_key, incident_type, response_type,
			response_text, metadata, created_at, expires_at)`)
	if err != nil {
		return fmt.Errorf("llm cache put prepare: %w", err)
	}
	now := time.Now().UTC()
	if err := batch.Append(key, incidentType, responseType, text, string(metaJSON), now, now.Add(ttl)); err != nil {
		return fmt.Errorf("llm cache put append: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("llm cache put send: %w", err)
	}
	return nil
}
