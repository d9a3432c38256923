// Package opsserver mounts the per-binary operator surface: liveness
// with dependency probes, service counters, and Prometheus metrics.
package opsserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/monitoring"
	"github.com/maristack/vigia-core/pkg/logger"
)

const probeTimeout = 5 * time.Second

// Probe checks one dependency. Required probes gate the health
// status; optional ones only report.
type Probe struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// StatsFunc supplies the counters rendered at /stats.
type StatsFunc func() map[string]any

type Server struct {
	cfg        *config.Config
	service    string
	logger     logger.Logger
	stats      StatsFunc
	probes     []Probe
	router     *gin.Engine
	httpServer *http.Server
}

func New(cfg *config.Config, service string, stats StatsFunc, probes []Probe, log logger.Logger) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	s := &Server{
		cfg:     cfg,
		service: service,
		logger:  log,
		stats:   stats,
		probes:  probes,
		router:  router,
	}

	router.Use(gin.Recovery())
	router.Use(monitoring.HTTPMetricsMiddleware())
	monitoring.SetupPrometheusMetrics(router)

	router.GET("/health", s.health)
	router.GET("/stats", s.statsHandler)

	return s
}

// health runs every probe in parallel under its own timeout. A failed
// required dependency turns the whole response 503 so the orchestrator
// restarts or holds traffic.
func (s *Server) health(c *gin.Context) {
	type result struct {
		name     string
		required bool
		err      error
	}

	results := make([]result, len(s.probes))
	var wg sync.WaitGroup
	for i, p := range s.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
			defer cancel()
			results[i] = result{name: p.Name, required: p.Required, err: p.Check(ctx)}
		}(i, p)
	}
	wg.Wait()

	deps := gin.H{}
	httpStatus := http.StatusOK
	status := "healthy"
	for _, r := range results {
		if r.err == nil {
			deps[r.name] = gin.H{"status": "up"}
			continue
		}
		deps[r.name] = gin.H{"status": "down", "error": r.err.Error()}
		if r.required {
			httpStatus = http.StatusServiceUnavailable
			status = "unhealthy"
		} else if status == "healthy" {
			status = "degraded"
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"service":      s.service,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"dependencies": deps,
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	stats := map[string]any{}
	if s.stats != nil {
		stats = s.stats()
	}
	c.JSON(http.StatusOK, gin.H{
		"service":   s.service,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"stats":     stats,
	})
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.OpsPort),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server starting", "service", s.service, "port", s.cfg.OpsPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("ops server stopping", "service", s.service)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the underlying engine so tests can mount it.
func (s *Server) Handler() http.Handler {
	return s.router
}
