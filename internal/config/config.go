package config

import (
	"time"

	"github.com/maristack/vigia-core/internal/models"
)

type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment"`
	OpsPort     int    `mapstructure:"ops_port" yaml:"ops_port"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"` // json or text

	Bus         BusConfig         `mapstructure:"bus" yaml:"bus"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline" yaml:"pipeline"`
	ClickHouse  ClickHouseConfig  `mapstructure:"clickhouse" yaml:"clickhouse"`
	Vector      VectorConfig      `mapstructure:"vector" yaml:"vector"`
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Detector    DetectorConfig    `mapstructure:"detector" yaml:"detector"`
	Enricher    EnricherConfig    `mapstructure:"enricher" yaml:"enricher"`
	Correlation CorrelationConfig `mapstructure:"correlation" yaml:"correlation"`
	Insight     InsightConfig     `mapstructure:"insight" yaml:"insight"`
	Persistor   PersistorConfig   `mapstructure:"persistor" yaml:"persistor"`
}

// BusConfig wires the NATS JetStream transport shared by every service.
type BusConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Stream     string `mapstructure:"stream" yaml:"stream"`
	FetchBatch int    `mapstructure:"fetch_batch" yaml:"fetch_batch"`
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"` // publish attempts before dead-letter
}

// PipelineConfig bounds a service's worker pool.
type PipelineConfig struct {
	Workers    int `mapstructure:"workers" yaml:"workers"`
	QueueDepth int `mapstructure:"queue_depth" yaml:"queue_depth"`
}

// ClickHouseConfig holds connection details for the columnar store.
type ClickHouseConfig struct {
	Addrs        []string `mapstructure:"addrs" yaml:"addrs"`
	Database     string   `mapstructure:"database" yaml:"database"`
	Username     string   `mapstructure:"username" yaml:"username"`
	Password     string   `mapstructure:"password" yaml:"password"`
	MaxOpenConns int      `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	DialTimeout  int      `mapstructure:"dial_timeout" yaml:"dial_timeout"` // milliseconds
}

// VectorConfig holds the Weaviate endpoint.
type VectorConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type LLMConfig struct {
	URL            string `mapstructure:"url" yaml:"url"`
	Model          string `mapstructure:"model" yaml:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"` // per generate call
	Concurrency    int    `mapstructure:"concurrency" yaml:"concurrency"`         // in-flight generate cap
}

type RegistryConfig struct {
	URL             string `mapstructure:"url" yaml:"url"`
	TimeoutSeconds  int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	CacheSize       int    `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

// DetectorConfig selects the metric-scoring variant per metric name.
// Metric names absent from the table use the default variant.
type DetectorConfig struct {
	MetricDetectors map[string]string `mapstructure:"metric_detectors" yaml:"metric_detectors"`
	DefaultVariant  string            `mapstructure:"default_variant" yaml:"default_variant"`
}

type EnricherConfig struct {
	QueryTimeoutMS int `mapstructure:"query_timeout_ms" yaml:"query_timeout_ms"` // per context lookup
}

// CorrelationConfig holds windowing and deduplication knobs. Windows
// maps domain name to window duration in seconds.
type CorrelationConfig struct {
	Threshold            int            `mapstructure:"threshold" yaml:"threshold"`
	Windows              map[string]int `mapstructure:"windows" yaml:"windows"`
	DefaultWindowSeconds int            `mapstructure:"default_window_seconds" yaml:"default_window_seconds"`
	DedupTTLSeconds      int            `mapstructure:"dedup_ttl_seconds" yaml:"dedup_ttl_seconds"`
	SweepIntervalSeconds int            `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// WindowFor returns the window duration for a domain, falling back to
// the default for unlisted or unknown domains.
func (c CorrelationConfig) WindowFor(domain models.Domain) time.Duration {
	if secs, ok := c.Windows[string(domain)]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(c.DefaultWindowSeconds) * time.Second
}

type InsightConfig struct {
	BudgetSeconds int `mapstructure:"budget_seconds" yaml:"budget_seconds"` // wall clock per incident
	CacheTTLHours int `mapstructure:"cache_ttl_hours" yaml:"cache_ttl_hours"`
	MaxSimilar    int `mapstructure:"max_similar" yaml:"max_similar"`
}

type PersistorConfig struct {
	WriteTimeoutMS int `mapstructure:"write_timeout_ms" yaml:"write_timeout_ms"` // per upsert
}
