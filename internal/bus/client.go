// Package bus wraps the NATS JetStream transport every service shares:
// stream provisioning, publishing with retry, durable pull consumption,
// and dead-lettering.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"

	"github.com/maristack/vigia-core/internal/config"
	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/internal/monitoring"
	"github.com/maristack/vigia-core/pkg/logger"
)

// Client is one service's handle on the bus. All five services publish
// and consume through this type; delivery is at-least-once end to end.
type Client struct {
	conn    *nats.Conn
	js      nats.JetStreamContext
	cfg     config.BusConfig
	service string
	logger  logger.Logger
}

// Connect dials the bus and ensures the pipeline stream exists. The
// first service up creates it; the rest bind to it.
func Connect(cfg config.BusConfig, service string, log logger.Logger) (*Client, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(service),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	c := &Client{
		conn:    conn,
		js:      js,
		cfg:     cfg,
		service: service,
		logger:  log,
	}
	if err := c.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureStream() error {
	_, err := c.js.StreamInfo(c.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", c.cfg.Stream, err)
	}

	_, err = c.js.AddStream(&nats.StreamConfig{
		Name: c.cfg.Stream,
		Subjects: []string{
			SubjectLogsRaw,
			SubjectMetricsRaw,
			"anomaly.>",
			"incidents.>",
			"deadletter.>",
		},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    48 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		// Another service may have created it between the lookup and here.
		return fmt.Errorf("add stream %s: %w", c.cfg.Stream, err)
	}
	c.logger.Info("bus stream ready", "stream", c.cfg.Stream)
	return nil
}

// Publish marshals v and publishes it with exponential backoff. After
// the attempt budget it returns a BusTransientError; callers decide
// whether the record is then dead-lettered.
func (c *Client) Publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return c.publishRaw(ctx, subject, data)
}

func (c *Client) publishRaw(ctx context.Context, subject string, data []byte) error {
	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	operation := func() error {
		_, err := c.js.Publish(subject, data, nats.Context(ctx))
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts-1)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		monitoring.RecordError(c.service, "bus")
		return &models.BusTransientError{Op: "publish " + subject, Err: err}
	}
	monitoring.RecordPublished(c.service, subject)
	return nil
}

// DeadLetter routes an unprocessable record to deadletter.{origin}.
// kind is the low-cardinality failure class (schema, invariant,
// publish_failed); reason is the full text carried in the payload.
// A failed dead-letter publish is logged and dropped, never retried
// into a loop.
func (c *Client) DeadLetter(ctx context.Context, origin, kind, reason string, original []byte) {
	payload, err := json.Marshal(models.NewDeadLetter(reason, original))
	if err != nil {
		c.logger.Error("dead-letter marshal failed", "subject", origin, "error", err)
		return
	}
	subject := DeadLetterSubject(origin)
	if _, err := c.js.Publish(subject, payload, nats.Context(ctx)); err != nil {
		c.logger.Error("dead-letter publish failed",
			"subject", subject, "reason", reason, "error", err)
		return
	}
	monitoring.RecordDeadLetter(c.service, origin, kind)
}

// Healthy reports whether the underlying connection is up.
func (c *Client) Healthy() bool {
	return c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Close drains the connection, flushing pending acks and publishes.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("bus drain failed", "error", err)
		c.conn.Close()
	}
}
