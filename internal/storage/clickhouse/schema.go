package clickhouse

// DDL for the vigia tables. Executed in order at startup; every
// statement is idempotent so concurrent service boots are safe.

// devicesSchema is fleet inventory reference data, loaded out of band
// and read by the enricher for device context.
const devicesSchema = `
CREATE TABLE IF NOT EXISTS devices (
    ship_id      String,
    device_id    String,
    device_type  String,
    vendor       String,
    model        String,
    location     String,
    criticality  String,
    updated_at   DateTime64(6, 'UTC') DEFAULT now64(6)
)
ENGINE = ReplacingMergeTree(updated_at)
ORDER BY (ship_id, device_id)
`

// anomaliesSchema is the append-only anomaly history the enricher
// writes and queries for rates and recurrence.
const anomaliesSchema = `
CREATE TABLE IF NOT EXISTS anomalies (
    tracking_id  String,
    ts           DateTime64(6, 'UTC'),
    ship_id      String,
    device_id    String,
    service      String,
    domain       String,
    anomaly_type String,
    detector     String,
    severity     String,
    score        Float64,
    metric_name  String,
    metric_value Nullable(Float64),
    msg          String
)
ENGINE = MergeTree()
PARTITION BY toYYYYMM(ts)
ORDER BY (ship_id, domain, ts)
TTL toDate(ts) + INTERVAL 90 DAY
SETTINGS index_granularity = 8192
`

// incidentsSchema upserts by incident_id: the row with the greatest
// updated_at wins at merge time, so reads go through FINAL.
const incidentsSchema = `
CREATE TABLE IF NOT EXISTS incidents (
    incident_id        String,
    incident_type      String,
    ship_id            String,
    severity           String,
    status             String,
    summary            String,
    anomaly_count      UInt32,
    window_start       DateTime64(6, 'UTC'),
    window_end         DateTime64(6, 'UTC'),
    evidence           String,
    ai_insights        String,
    similar_incidents  String,
    timeline           String,
    cache_hit          UInt8,
    processing_time_ms Int64,
    tracking_id        String,
    ship_id_source     String,
    created_at         DateTime64(6, 'UTC'),
    updated_at         DateTime64(6, 'UTC')
)
ENGINE = ReplacingMergeTree(updated_at)
PARTITION BY toYYYYMM(created_at)
ORDER BY incident_id
SETTINGS index_granularity = 8192
`

// llmCacheSchema stores generated insight text per cache key. Rows
// expire via table TTL; reads also filter on expires_at so entries
// are never served stale between merges.
const llmCacheSchema = `
CREATE TABLE IF NOT EXISTS llm_cache (
    cache_key     String,
    incident_type String,
    response_type String,
    response_text String,
    metadata      String,
    created_at    DateTime64(6, 'UTC') DEFAULT now64(6),
    expires_at    DateTime('UTC')
)
ENGINE = MergeTree()
ORDER BY cache_key
TTL expires_at
SETTINGS index_granularity = 8192
`

// allSchemas returns the DDL statements in creation order.
func allSchemas() []string {
	return []string{
		devicesSchema,
		anomaliesSchema,
		incidentsSchema,
		llmCacheSchema,
	}
}
