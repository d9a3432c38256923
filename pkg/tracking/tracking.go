// Package tracking mints and propagates the per-request tracking
// identifier that every pipeline record carries from ingest onward.
package tracking

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ctxKey struct{}

// NewID returns a fresh opaque identifier: req-<unix micros>-<12 hex>.
// URL-safe, sortable by mint time, unique enough for log correlation.
func NewID() string {
	u := uuid.New()
	return fmt.Sprintf("req-%d-%s", time.Now().UnixMicro(), hex.EncodeToString(u[:6]))
}

// WithID binds a tracking id to the context for downstream handlers.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the bound tracking id, or "" when none is set.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// Ensure returns the context's tracking id, minting and binding one
// when absent. The second return reports the id in effect.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}
