// Package clickhouse is the columnar store client: anomaly history,
// incident upserts, enrichment context queries, and the LLM response
// cache all live here.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/maristack/vigia-core/internal/config"
)

type Client struct {
	conn driver.Conn
}

func Connect(cfg config.ClickHouseConfig) (*Client, error) {
	addrs := cfg.Addrs
	if len(addrs) == 0 {
		addrs = []string{"localhost:9000"}
	}
	database := cfg.Database
	if database == "" {
		database = "vigia"
	}
	username := cfg.Username
	if username == "" {
		username = "default"
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	dialTimeout := time.Duration(cfg.DialTimeout) * time.Millisecond
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: addrs,
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: cfg.Password,
		},
		DialTimeout:     dialTimeout,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxOpen / 2,
		ConnMaxLifetime: 30 * time.Minute,
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{conn: conn}
	if err := c.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureSchema(ctx context.Context) error {
	for _, stmt := range allSchemas() {
		if err := c.conn.Exec(ctx, stmt); err != nil {
			name := strings.SplitN(strings.TrimSpace(stmt), "(", 2)[0]
			return fmt.Errorf("ensure schema failed: %s: %w", strings.TrimSpace(name), err)
		}
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// OpenConnections reports pool usage for /stats.
func (c *Client) OpenConnections() int {
	return c.conn.Stats().Open
}

func (c *Client) Close() error {
	return c.conn.Close()
}
