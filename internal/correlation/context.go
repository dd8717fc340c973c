// Package correlation carries the identity of one logical unit of work on a
// context.Context so concurrent operations never observe each other's id.
package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-telemetry/internal/models"
)

type ctxKey struct{}

// Context is the active correlation state. The id and start time are fixed
// once set; the field map may grow while the unit of work runs.
type Context struct {
	id        string
	startedAt time.Time

	mu     sync.RWMutex
	fields models.Fields
}

// ID returns the correlation id.
func (c *Context) ID() string { return c.id }

// StartedAt returns when the unit of work began.
func (c *Context) StartedAt() time.Time { return c.startedAt }

// Fields returns a copy of the context map.
func (c *Context) Fields() models.Fields {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fields.Clone()
}

func (c *Context) add(fields models.Fields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range fields {
		c.fields[k] = v
	}
}

// NewID generates a correlation id.
func NewID() string {
	return uuid.NewString()
}

// Set starts a unit of work. An empty id is replaced by a generated one.
func Set(ctx context.Context, id string, fields models.Fields) context.Context {
	if id == "" {
		id = NewID()
	}
	c := &Context{id: id, startedAt: time.Now().UTC(), fields: fields.Clone()}
	return context.WithValue(ctx, ctxKey{}, c)
}

// Active returns the correlation state on ctx, or nil.
func Active(ctx context.Context) *Context {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(ctxKey{}).(*Context)
	return c
}

// AddContext extends the active context map. It is a no-op without one.
func AddContext(ctx context.Context, fields models.Fields) {
	if c := Active(ctx); c != nil {
		c.add(fields)
	}
}

// Clear returns a context that no longer carries correlation state.
func Clear(ctx context.Context) context.Context {
	if Active(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, (*Context)(nil))
}

// Get returns the active correlation id.
func Get(ctx context.Context) (string, bool) {
	if c := Active(ctx); c != nil {
		return c.id, true
	}
	return "", false
}

// HasContext reports whether a unit of work is active on ctx.
func HasContext(ctx context.Context) bool {
	return Active(ctx) != nil
}

// FromContext returns the active correlation id, falling back to the trace
// id of the span on ctx, or "" when neither exists.
func FromContext(ctx context.Context) string {
	if id, ok := Get(ctx); ok {
		return id
	}
	if ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// ForLogging returns {correlation_id, timestamp, context} for the active
// unit of work, or nil when none is set.
func ForLogging(ctx context.Context) map[string]any {
	c := Active(ctx)
	if c == nil {
		return nil
	}
	return map[string]any{
		"correlation_id": c.id,
		"timestamp":      c.startedAt.Format(time.RFC3339Nano),
		"context":        c.Fields().Raw(),
	}
}

// LogAttrs returns slog arguments describing the active unit of work.
func LogAttrs(ctx context.Context) []any {
	id := FromContext(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("correlation_id", id)}
}
