package bus

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/maristack/vigia-core/internal/models"
	"github.com/maristack/vigia-core/internal/monitoring"
	"github.com/maristack/vigia-core/internal/pipeline"
)

// Handler processes one consumed record. A nil return acks the
// message. SchemaError and InvariantViolation returns terminate it
// (the handler has already dead-lettered); anything else naks it for
// redelivery.
type Handler func(ctx context.Context, msg *nats.Msg) error

// ConsumerConfig describes one service's subscription.
type ConsumerConfig struct {
	SubjectFilter string
	Durable       string
	// PartitionKey extracts the ordering key from a raw message.
	// Records sharing a key are handled in arrival order.
	PartitionKey func(msg *nats.Msg) string
	Handler      Handler
}

// Consume runs the durable pull loop until ctx is canceled, routing
// each fetched message into the pool by partition key. Workers ack
// after the handler commits, so delivery stays at-least-once.
func (c *Client) Consume(ctx context.Context, pool *pipeline.Pool, cc ConsumerConfig) error {
	sub, err := c.js.PullSubscribe(cc.SubjectFilter, cc.Durable, nats.BindStream(c.cfg.Stream))
	if err != nil {
		return fmt.Errorf("pull subscribe %s: %w", cc.SubjectFilter, err)
	}

	c.logger.Info("consumer initialised",
		"stream", c.cfg.Stream,
		"durable", cc.Durable,
		"subject", cc.SubjectFilter,
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "durable", cc.Durable)
			return nil
		default:
			msgs, err := sub.Fetch(c.cfg.FetchBatch, nats.Context(ctx))
			if err != nil {
				continue // nats.ErrTimeout on an empty queue is not an error
			}
			for _, msg := range msgs {
				msg := msg
				pool.Submit(cc.PartitionKey(msg), func() {
					c.dispatch(ctx, msg, cc.Handler)
				})
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, msg *nats.Msg, handle Handler) {
	monitoring.RecordConsumed(c.service, msg.Subject)

	err := handle(ctx, msg)
	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			c.logger.Warn("ack failed", "subject", msg.Subject, "error", ackErr)
		}
	case models.IsSchemaError(err) || models.IsInvariantViolation(err):
		// Poison record: already dead-lettered by the handler, never redeliver.
		if termErr := msg.Term(); termErr != nil {
			c.logger.Warn("term failed", "subject", msg.Subject, "error", termErr)
		}
	default:
		c.logger.Error("NAK record (transient error)",
			"subject", msg.Subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Warn("nak failed", "subject", msg.Subject, "error", nakErr)
		}
	}
}
