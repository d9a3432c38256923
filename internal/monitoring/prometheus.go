// Package monitoring provides Prometheus metrics for the VIGIA pipeline
// services.
//
// Usage:
//
//  1. Mount the endpoint on the ops router:
//     router := gin.New()
//     monitoring.SetupPrometheusMetrics(router)
//
//  2. Record pipeline metrics from handlers:
//
//	monitoring.RecordConsumed("detector", "logs.raw")
//	monitoring.RecordStageDuration("enricher", "context_lookup", time.Since(start))
//	monitoring.RecordDeadLetter("correlator", "anomaly.enriched", "schema")
//
// Metric families:
//
//   - vigia_events_consumed_total{service, subject}
//   - vigia_events_published_total{service, subject}
//   - vigia_deadletter_total{service, subject, reason}
//   - vigia_records_dropped_total{service, reason}
//   - vigia_errors_total{service, kind}
//   - vigia_stage_duration_seconds{service, stage}
//   - vigia_anomalies_detected_total{domain, severity}
//   - vigia_enrichment_query_duration_seconds{query}
//   - vigia_enrichment_query_failures_total{query}
//   - vigia_windows_active
//   - vigia_windows_fired_total{domain}
//   - vigia_windows_expired_total{domain}
//   - vigia_anomalies_expired_total{domain}
//   - vigia_dedup_suppressed_total{domain}
//   - vigia_dedup_entries
//   - vigia_incidents_created_total{domain, severity}
//   - vigia_llm_cache_lookups_total{response_type, result}
//   - vigia_llm_calls_total{response_type, status}
//   - vigia_insight_budget_exhausted_total
//   - vigia_incidents_enriched_total{cache_hit}
//   - vigia_incidents_upserted_total{status}
//   - vigia_registry_lookups_total{result}
//   - vigia_http_requests_total{method, endpoint, status_code}
//   - vigia_build_info{version, component, go_version}
package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_events_consumed_total",
			Help: "Total number of bus records consumed",
		},
		[]string{"service", "subject"},
	)

	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_events_published_total",
			Help: "Total number of bus records published",
		},
		[]string{"service", "subject"},
	)

	deadletterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_deadletter_total",
			Help: "Total number of records routed to a dead-letter subject",
		},
		[]string{"service", "subject", "reason"}, // reason: schema, invariant, publish_failed
	)

	recordsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_records_dropped_total",
			Help: "Total number of input records dropped without an anomaly",
		},
		[]string{"service", "reason"}, // reason: malformed, filtered_level, normal_operational, normal_range
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_errors_total",
			Help: "Total number of processing errors",
		},
		[]string{"service", "kind"}, // kind: schema, bus, timeout, unavailable, invariant
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigia_stage_duration_seconds",
			Help:    "Per-record processing duration by pipeline stage",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"service", "stage"},
	)

	anomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_anomalies_detected_total",
			Help: "Total number of anomalies emitted by the detector",
		},
		[]string{"domain", "severity"},
	)

	enrichmentQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vigia_enrichment_query_duration_seconds",
			Help:    "Context lookup duration against the columnar store",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"query"}, // device, history, similar, recent_incidents
	)

	enrichmentQueryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_enrichment_query_failures_total",
			Help: "Context lookups that failed or timed out",
		},
		[]string{"query"},
	)

	windowsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigia_windows_active",
			Help: "Correlation window partitions currently holding anomalies",
		},
	)

	windowsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_windows_fired_total",
			Help: "Correlation windows that reached threshold and emitted an incident",
		},
		[]string{"domain"},
	)

	windowsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_windows_expired_total",
			Help: "Correlation windows evicted before reaching threshold",
		},
		[]string{"domain"},
	)

	anomaliesExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_anomalies_expired_total",
			Help: "Anomalies discarded by window expiry",
		},
		[]string{"domain"},
	)

	dedupSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_dedup_suppressed_total",
			Help: "Anomalies suppressed by the deduplication cache",
		},
		[]string{"domain"},
	)

	dedupEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigia_dedup_entries",
			Help: "Live entries in the deduplication cache",
		},
	)

	incidentsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_incidents_created_total",
			Help: "Total number of incidents created by the correlator",
		},
		[]string{"domain", "severity"},
	)

	llmCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_llm_cache_lookups_total",
			Help: "LLM response cache lookups",
		},
		[]string{"response_type", "result"}, // result: hit, miss, error
	)

	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_llm_calls_total",
			Help: "Calls issued to the LLM server",
		},
		[]string{"response_type", "status"}, // status: success, error, timeout
	)

	insightBudgetExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vigia_insight_budget_exhausted_total",
			Help: "Incidents whose enrichment budget elapsed before completion",
		},
	)

	incidentsEnrichedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_incidents_enriched_total",
			Help: "Incidents published with AI insights attached",
		},
		[]string{"cache_hit"},
	)

	incidentsUpsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_incidents_upserted_total",
			Help: "Incident upserts into the columnar store",
		},
		[]string{"status"}, // status: success, error
	)

	registryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_registry_lookups_total",
			Help: "Device registry lookups by outcome",
		},
		[]string{"result"}, // result: hit, cached, fallback, error
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigia_http_requests_total",
			Help: "Total number of operator HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)
)

// SetupPrometheusMetrics registers the pipeline collectors and mounts
// /metrics on the given router.
func SetupPrometheusMetrics(router gin.IRoutes) {
	// Register build info (ignore if already registered)
	_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vigia_build_info",
		Help: "Build information for VIGIA-CORE",
		ConstLabels: prometheus.Labels{
			"version":    "v1.2.0",
			"component":  "vigia-core",
			"go_version": "1.24",
		},
	}, func() float64 { return 1 }))

	// Register pipeline metrics (ignore if already registered)
	_ = prometheus.Register(eventsConsumedTotal)
	_ = prometheus.Register(eventsPublishedTotal)
	_ = prometheus.Register(deadletterTotal)
	_ = prometheus.Register(recordsDroppedTotal)
	_ = prometheus.Register(errorsTotal)
	_ = prometheus.Register(stageDuration)
	_ = prometheus.Register(anomaliesDetectedTotal)
	_ = prometheus.Register(enrichmentQueryDuration)
	_ = prometheus.Register(enrichmentQueryFailures)
	_ = prometheus.Register(windowsActive)
	_ = prometheus.Register(windowsFiredTotal)
	_ = prometheus.Register(windowsExpiredTotal)
	_ = prometheus.Register(anomaliesExpiredTotal)
	_ = prometheus.Register(dedupSuppressedTotal)
	_ = prometheus.Register(dedupEntries)
	_ = prometheus.Register(incidentsCreatedTotal)
	_ = prometheus.Register(llmCacheLookupsTotal)
	_ = prometheus.Register(llmCallsTotal)
	_ = prometheus.Register(insightBudgetExhaustedTotal)
	_ = prometheus.Register(incidentsEnrichedTotal)
	_ = prometheus.Register(incidentsUpsertedTotal)
	_ = prometheus.Register(registryLookupsTotal)
	_ = prometheus.Register(httpRequestsTotal)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HTTPMetricsMiddleware collects operator endpoint request metrics.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		statusCode := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, c.FullPath(), statusCode).Inc()
	}
}

// RecordConsumed counts one consumed bus record.
func RecordConsumed(service, subject string) {
	eventsConsumedTotal.WithLabelValues(service, subject).Inc()
}

// RecordPublished counts one published bus record.
func RecordPublished(service, subject string) {
	eventsPublishedTotal.WithLabelValues(service, subject).Inc()
}

// RecordDeadLetter counts one dead-lettered record.
func RecordDeadLetter(service, subject, reason string) {
	deadletterTotal.WithLabelValues(service, subject, reason).Inc()
	errorsTotal.WithLabelValues(service, reason).Inc()
}

// RecordDrop counts a record dropped without producing output.
func RecordDrop(service, reason string) {
	recordsDroppedTotal.WithLabelValues(service, reason).Inc()
}

// RecordError counts a processing error by kind.
func RecordError(service, kind string) {
	errorsTotal.WithLabelValues(service, kind).Inc()
}

// RecordStageDuration observes one record's handling time in a stage.
func RecordStageDuration(service, stage string, duration time.Duration) {
	stageDuration.WithLabelValues(service, stage).Observe(duration.Seconds())
}

// RecordAnomalyDetected counts one emitted anomaly.
func RecordAnomalyDetected(domain, severity string) {
	anomaliesDetectedTotal.WithLabelValues(domain, severity).Inc()
}

// RecordEnrichmentQuery records one context lookup.
func RecordEnrichmentQuery(query string, duration time.Duration, success bool) {
	enrichmentQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
	if !success {
		enrichmentQueryFailures.WithLabelValues(query).Inc()
	}
}

// SetWindowsActive publishes the live partition count.
func SetWindowsActive(n int) {
	windowsActive.Set(float64(n))
}

// RecordWindowFired counts a threshold fire.
func RecordWindowFired(domain string) {
	windowsFiredTotal.WithLabelValues(domain).Inc()
}

// RecordWindowExpired counts an under-threshold eviction and the
// anomalies discarded with it.
func RecordWindowExpired(domain string, evicted int) {
	windowsExpiredTotal.WithLabelValues(domain).Inc()
	anomaliesExpiredTotal.WithLabelValues(domain).Add(float64(evicted))
}

// RecordDedupSuppressed counts one suppressed duplicate.
func RecordDedupSuppressed(domain string) {
	dedupSuppressedTotal.WithLabelValues(domain).Inc()
}

// SetDedupEntries publishes the dedup cache size.
func SetDedupEntries(n int) {
	dedupEntries.Set(float64(n))
}

// RecordIncidentCreated counts one incident emission.
func RecordIncidentCreated(domain, severity string) {
	incidentsCreatedTotal.WithLabelValues(domain, severity).Inc()
}

// RecordLLMCacheLookup records a cache probe outcome.
func RecordLLMCacheLookup(responseType, result string) {
	llmCacheLookupsTotal.WithLabelValues(responseType, result).Inc()
}

// RecordLLMCall records one generation call outcome.
func RecordLLMCall(responseType, status string) {
	llmCallsTotal.WithLabelValues(responseType, status).Inc()
	if status == "timeout" {
		errorsTotal.WithLabelValues("insight", "timeout").Inc()
	}
}

// RecordBudgetExhausted counts an incident whose budget elapsed.
func RecordBudgetExhausted() {
	insightBudgetExhaustedTotal.Inc()
}

// RecordIncidentEnriched counts one published enriched incident.
func RecordIncidentEnriched(cacheHit bool) {
	incidentsEnrichedTotal.WithLabelValues(strconv.FormatBool(cacheHit)).Inc()
}

// RecordIncidentUpsert records a persistence attempt.
func RecordIncidentUpsert(success bool) {
	status := "success"
	if !success {
		status = "error"
		errorsTotal.WithLabelValues("persistor", "db").Inc()
	}
	incidentsUpsertedTotal.WithLabelValues(status).Inc()
}

// RecordRegistryLookup records a device registry lookup outcome.
func RecordRegistryLookup(result string) {
	registryLookupsTotal.WithLabelValues(result).Inc()
}
