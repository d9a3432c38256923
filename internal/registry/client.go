// Package registry resolves hostnames to ship identity via the
// external device registry. Lookups are cached (positive results only)
// and circuit-broken so a dead registry fails fast to the caller's
// fallback chain.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"

	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/internal/monitoring"
	"github.com/maristack/vigia-core/pkg/logger"
)

// ErrNotFound means the registry answered but has no mapping for the
// hostname. Not cached, and not a registry failure.
var ErrNotFound = errors.New("registry: hostname not mapped")

// Mapping is the identity record the registry holds per hostname.
type Mapping struct {
	ShipID   string `json:"ship_id"`
	DeviceID string `json:"device_id"`
}

type lookupResponse struct {
	Success bool    `json:"success"`
	Mapping Mapping `json:"mapping"`
}

type fetchResult struct {
	mapping Mapping
	found   bool
}

type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	cache   *expirable.LRU[string, Mapping]
	breaker *gobreaker.CircuitBreaker
	logger  logger.Logger
}

func NewClient(cfg config.RegistryConfig, log logger.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	return &Client{
		baseURL: cfg.URL,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		cache:   expirable.NewLRU[string, Mapping](size, nil, ttl),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "device-registry",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("registry breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
		logger: log,
	}
}

// Lookup resolves a hostname. No retries on the hot path: one HTTP
// attempt behind the breaker, and any failure surfaces as a typed
// error for the caller's fallback chain.
func (c *Client) Lookup(ctx context.Context, hostname string) (Mapping, error) {
	if hostname == "" {
		return Mapping{}, ErrNotFound
	}

	if m, ok := c.cache.Get(hostname); ok {
		monitoring.RecordRegistryLookup("cached")
		return m, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, hostname)
	})
	if err != nil {
		monitoring.RecordRegistryLookup("error")
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Mapping{}, &models.DependencyUnavailable{Dependency: "device-registry", Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Mapping{}, &models.DependencyTimeout{Dependency: "device-registry", Err: err}
		}
		return Mapping{}, fmt.Errorf("registry lookup %s: %w", hostname, err)
	}

	fr := result.(fetchResult)
	if !fr.found {
		// Negative results are not cached.
		monitoring.RecordRegistryLookup("miss")
		return Mapping{}, ErrNotFound
	}

	c.cache.Add(hostname, fr.mapping)
	monitoring.RecordRegistryLookup("hit")
	return fr.mapping, nil
}

func (c *Client) fetch(ctx context.Context, hostname string) (fetchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/lookup/" + url.PathEscape(hostname)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fetchResult{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fetchResult{}, context.DeadlineExceeded
		}
		return fetchResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fetchResult{found: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return fetchResult{}, fmt.Errorf("registry status %d", resp.StatusCode)
	}

	var lr lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fetchResult{}, fmt.Errorf("decode lookup response: %w", err)
	}
	if !lr.Success || lr.Mapping.ShipID == "" {
		return fetchResult{found: false}, nil
	}
	return fetchResult{mapping: lr.Mapping, found: true}, nil
}

// CacheLen reports live positive cache entries, for /stats.
func (c *Client) CacheLen() int {
	return c.cache.Len()
}

// BreakerState reports the breaker state name, for /health.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
