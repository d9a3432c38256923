package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration with priority order:
// 1. Environment variables
// 2. Configuration file (config.yaml)
// 3. Default values
//
// defaultOpsPort is the service's own operator port, applied when
// neither file nor environment sets one.
func Load(defaultOpsPort int) (*Config, error) {
	v := viper.New()

	// Set configuration file details
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/vigia/")
	v.AddConfigPath("./configs/")
	v.AddConfigPath(".")

	// Enable environment variable support
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("VIGIA")

	setDefaults(v, defaultOpsPort)

	// Read configuration file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars and defaults
	}

	overrideWithEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets reasonable default values
func setDefaults(v *viper.Viper, defaultOpsPort int) {
	v.SetDefault("environment", "development")
	v.SetDefault("ops_port", defaultOpsPort)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	// Bus defaults
	v.SetDefault("bus.url", "nats://localhost:4222")
	v.SetDefault("bus.stream", "VIGIA")
	v.SetDefault("bus.fetch_batch", 16)
	v.SetDefault("bus.max_retries", 5)

	// Worker pool defaults
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.queue_depth", 64)

	// Columnar store defaults
	v.SetDefault("clickhouse.addrs", []string{"localhost:9000"})
	v.SetDefault("clickhouse.database", "vigia")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.max_open_conns", 8)
	v.SetDefault("clickhouse.dial_timeout", 5000)

	// Vector store defaults
	v.SetDefault("vector.url", "http://localhost:8080")

	// LLM defaults
	v.SetDefault("llm.url", "http://localhost:11434")
	v.SetDefault("llm.model", "mistral")
	v.SetDefault("llm.timeout_seconds", 10)
	v.SetDefault("llm.concurrency", 4)

	// Device registry defaults
	v.SetDefault("registry.url", "http://localhost:8180")
	v.SetDefault("registry.timeout_seconds", 5)
	v.SetDefault("registry.cache_size", 1024)
	v.SetDefault("registry.cache_ttl_seconds", 60)

	// Detector defaults
	v.SetDefault("detector.default_variant", "ewma")

	// Enricher defaults
	v.SetDefault("enricher.query_timeout_ms", 400)

	// Correlation defaults: per-domain window seconds
	v.SetDefault("correlation.threshold", 3)
	v.SetDefault("correlation.windows.net", 300)
	v.SetDefault("correlation.windows.comms", 300)
	v.SetDefault("correlation.windows.system", 600)
	v.SetDefault("correlation.windows.app", 1200)
	v.SetDefault("correlation.windows.security", 600)
	v.SetDefault("correlation.windows.satellite", 300)
	v.SetDefault("correlation.default_window_seconds", 900)
	v.SetDefault("correlation.dedup_ttl_seconds", 900)
	v.SetDefault("correlation.sweep_interval_seconds", 60)

	// Insight defaults
	v.SetDefault("insight.budget_seconds", 10)
	v.SetDefault("insight.cache_ttl_hours", 24)
	v.SetDefault("insight.max_similar", 3)

	v.SetDefault("persistor.write_timeout_ms", 5000)
}

// overrideWithEnvVars explicitly handles environment variable overrides
func overrideWithEnvVars(v *viper.Viper) {
	if busURL := os.Getenv("BUS_URL"); busURL != "" {
		v.Set("bus.url", busURL)
	}

	if port := os.Getenv("OPS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("ops_port", p)
		}
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		v.Set("environment", env)
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		v.Set("log_level", logLevel)
	}

	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		v.Set("log_format", logFormat)
	}

	// ClickHouse connection
	if addrs := os.Getenv("CLICKHOUSE_ADDR"); addrs != "" {
		parts := strings.Split(addrs, ",")
		for i, part := range parts {
			parts[i] = strings.TrimSpace(part)
		}
		v.Set("clickhouse.addrs", parts)
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		v.Set("clickhouse.database", db)
	}

	if user := os.Getenv("CLICKHOUSE_USERNAME"); user != "" {
		v.Set("clickhouse.username", user)
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		v.Set("clickhouse.password", pass)
	}

	// LLM server
	if llmURL := os.Getenv("LLM_URL"); llmURL != "" {
		v.Set("llm.url", llmURL)
	}

	if llmModel := os.Getenv("LLM_MODEL"); llmModel != "" {
		v.Set("llm.model", llmModel)
	}

	// Vector store
	if vectorURL := os.Getenv("VECTOR_URL"); vectorURL != "" {
		v.Set("vector.url", vectorURL)
	}

	// Device registry
	if registryURL := os.Getenv("REGISTRY_URL"); registryURL != "" {
		v.Set("registry.url", registryURL)
	}

	// Correlation knobs
	if threshold := os.Getenv("CORRELATION_THRESHOLD"); threshold != "" {
		if n, err := strconv.Atoi(threshold); err == nil {
			v.Set("correlation.threshold", n)
		}
	}

	for _, domain := range []string{"net", "comms", "system", "app", "security", "satellite"} {
		envName := "WINDOW_" + strings.ToUpper(domain) + "_SECONDS"
		if secs := os.Getenv(envName); secs != "" {
			if n, err := strconv.Atoi(secs); err == nil {
				v.Set("correlation.windows."+domain, n)
			}
		}
	}

	if secs := os.Getenv("WINDOW_DEFAULT_SECONDS"); secs != "" {
		if n, err := strconv.Atoi(secs); err == nil {
			v.Set("correlation.default_window_seconds", n)
		}
	}

	if ttl := os.Getenv("DEDUP_TTL_SECONDS"); ttl != "" {
		if n, err := strconv.Atoi(ttl); err == nil {
			v.Set("correlation.dedup_ttl_seconds", n)
		}
	}

	if ttl := os.Getenv("LLM_CACHE_TTL_HOURS"); ttl != "" {
		if n, err := strconv.Atoi(ttl); err == nil {
			v.Set("insight.cache_ttl_hours", n)
		}
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Bus.URL == "" {
		return fmt.Errorf("bus URL is required")
	}

	if len(config.ClickHouse.Addrs) == 0 {
		return fmt.Errorf("at least one ClickHouse address is required")
	}

	if config.OpsPort < 1 || config.OpsPort > 65535 {
		return fmt.Errorf("invalid ops port: %d", config.OpsPort)
	}

	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLogLevels, config.LogLevel) {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	if config.LogFormat != "json" && config.LogFormat != "text" {
		return fmt.Errorf("invalid log format: %s", config.LogFormat)
	}

	validEnvironments := []string{"development", "staging", "production", "test"}
	if !contains(validEnvironments, config.Environment) {
		return fmt.Errorf("invalid environment: %s", config.Environment)
	}

	if config.Correlation.Threshold < 1 {
		return fmt.Errorf("correlation threshold must be at least 1")
	}

	if config.Correlation.DedupTTLSeconds < 1 {
		return fmt.Errorf("dedup TTL must be at least 1 second")
	}

	if config.Insight.BudgetSeconds < 1 {
		return fmt.Errorf("insight budget must be at least 1 second")
	}

	if config.LLM.Concurrency < 1 {
		return fmt.Errorf("LLM concurrency must be at least 1")
	}

	if config.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline workers must be at least 1")
	}

	return nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
