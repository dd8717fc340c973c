package instrument

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-telemetry/internal/adapter"
	"github.com/miradorstack/mirador-telemetry/internal/correlation"
	"github.com/miradorstack/mirador-telemetry/internal/models"
)

// ToolTelemetry records tool invocations and the correlation chains they
// form when tools call other tools.
type ToolTelemetry struct {
	base

	mu     sync.Mutex
	active map[string]*Invocation
	// chains tracks the open invocations of each correlation id.
	chains map[string]*chainState
}

type chainState struct {
	open   int
	failed bool
}

type invocationKey struct{}

// NewToolTelemetry constructs the tool facade.
func NewToolTelemetry(d Deps) *ToolTelemetry {
	return &ToolTelemetry{
		base:    newBase(adapter.DomainTool, d),
		active: make(map[string]*Invocation),
		chains: make(map[string]*chainState),
	}
}

// Invocation is one in-flight tool call. The zero-cost inert form returned
// when telemetry is off or sampled out accepts Complete/Fail as no-ops.
type Invocation struct {
	ID            string
	Tool          string
	Operation     string
	CorrelationID string
	Depth         int
	StartedAt     time.Time

	owner      *ToolTelemetry
	ctx        context.Context
	heapBefore uint64
	done       atomic.Bool
}

// InvocationInfo describes an active invocation.
type InvocationInfo struct {
	ID            string    `json:"id"`
	Tool          string    `json:"tool"`
	CorrelationID string    `json:"correlation_id"`
	Depth         int       `json:"depth"`
	StartedAt     time.Time `json:"started_at"`
}

// Context returns a context carrying the invocation's correlation id and the
// invocation itself; nested tool calls should start from it.
func (inv *Invocation) Context() context.Context {
	if inv.owner == nil {
		return inv.ctx
	}
	return context.WithValue(inv.ctx, invocationKey{}, inv)
}

// parentDepth returns the depth of the invocation carried on ctx when it
// belongs to the same correlation id.
func parentDepth(ctx context.Context, corrID string) (int, bool) {
	parent, ok := ctx.Value(invocationKey{}).(*Invocation)
	if !ok || parent == nil || parent.CorrelationID != corrID {
		return 0, false
	}
	return parent.Depth, true
}

// StartInvocation records tool.started and opens an invocation. The params
// "operation" field, when present, becomes the event operation.
func (t *ToolTelemetry) StartInvocation(ctx context.Context, tool string, params models.Fields) *Invocation {
	if ctx == nil {
		ctx = context.Background()
	}
	inert := &Invocation{Tool: tool, ctx: ctx}
	inert.done.Store(true)
	if !t.admit("tool.started") {
		return inert
	}

	corrID := correlation.FromContext(ctx)
	if corrID == "" {
		ctx = correlation.Set(ctx, "", nil)
		corrID, _ = correlation.Get(ctx)
	}

	depth := 0
	if d, ok := parentDepth(ctx, corrID); ok {
		depth = d + 1
	}

	t.mu.Lock()
	state, open := t.chains[corrID]
	if !open {
		state = &chainState{}
		t.chains[corrID] = state
	}
	state.open++
	inv := &Invocation{
		ID:            uuid.NewString(),
		Tool:          tool,
		Operation:     params.Text("operation"),
		CorrelationID: corrID,
		Depth:         depth,
		StartedAt:     t.now(),
		owner:         t,
		ctx:           context.WithoutCancel(ctx),
		heapBefore:    t.heapAlloc(),
	}
	t.active[inv.ID] = inv
	t.mu.Unlock()

	data := params.Clone().Merge(models.Fields{
		"tool_name":     models.String(tool),
		"invocation_id": models.String(inv.ID),
		"depth":         models.Number(float64(depth)),
	})
	t.send(inv.ctx, adapter.Payload{EventName: "tool.started", Data: data, Timestamp: inv.StartedAt})
	upd := models.ChainUpdate{Depth: &depth, EventsAdded: 1, At: inv.StartedAt}
	if !open {
		upd.Status = models.ChainActive
	}
	t.updateChain(inv, upd)
	return inv
}

// Complete records tool.completed with the result fields.
func (inv *Invocation) Complete(result models.Fields) {
	inv.finish(result, nil)
}

// Fail records tool.failed.
func (inv *Invocation) Fail(err error) {
	inv.finish(nil, err)
}

func (inv *Invocation) finish(result models.Fields, err error) {
	if inv == nil || inv.done.Swap(true) {
		return
	}
	t := inv.owner
	defer t.recoverPanic("finish " + inv.Tool)

	end := t.now()
	duration := end.Sub(inv.StartedAt)
	heapAfter := t.heapAlloc()
	delta := int64(heapAfter) - int64(inv.heapBefore)

	t.mu.Lock()
	delete(t.active, inv.ID)
	last, failed := false, err != nil
	if state, ok := t.chains[inv.CorrelationID]; ok {
		state.open--
		state.failed = state.failed || failed
		failed = state.failed
		if state.open <= 0 {
			last = true
			delete(t.chains, inv.CorrelationID)
		}
	}
	t.mu.Unlock()

	name := "tool.completed"
	if err != nil {
		name = "tool.failed"
	}
	data := models.Fields{
		"tool_name":     models.String(inv.Tool),
		"invocation_id": models.String(inv.ID),
		"depth":         models.Number(float64(inv.Depth)),
	}
	if inv.Operation != "" {
		data["operation"] = models.String(inv.Operation)
	}
	if len(result) > 0 {
		data["result"] = models.Map(result)
	}
	perf := models.Fields{"memory_delta_bytes": models.Number(float64(delta))}

	t.send(inv.ctx, adapter.Payload{
		EventName:   name,
		Data:        data,
		Performance: perf,
		Error:       errorText(err),
		DurationMS:  millis(duration),
		Timestamp:   end,
	})

	operation := inv.Operation
	if operation == "" {
		operation = "invoke"
	}
	heap := int64(heapAfter)
	if _, serr := t.sink.StorePerformanceSnapshot(inv.ctx, models.PerformanceSnapshot{
		Component:        inv.Tool,
		Operation:        operation,
		DurationMS:       *millis(duration),
		MemoryUsageBytes: &heap,
		ResourceMetrics:  perf.Clone(),
		RecordedAt:       end,
	}); serr != nil {
		t.logger.Warn("performance snapshot failed", slog.String("tool", inv.Tool), slog.Any("error", serr))
	}

	upd := models.ChainUpdate{EventsAdded: 1, At: end}
	if last {
		upd.Status = models.ChainCompleted
		if failed {
			upd.Status = models.ChainFailed
		}
		upd.CompletedAt = &end
	}
	t.updateChain(inv, upd)
}

func (t *ToolTelemetry) updateChain(inv *Invocation, upd models.ChainUpdate) {
	defer t.recoverPanic("chain " + inv.CorrelationID)
	if _, err := t.sink.UpdateCorrelationChain(inv.ctx, inv.CorrelationID, upd); err != nil {
		t.logger.Warn("correlation chain update failed", slog.String("correlation_id", inv.CorrelationID), slog.Any("error", err))
	}
}

// ActiveInvocations lists open invocations, oldest first.
func (t *ToolTelemetry) ActiveInvocations() []InvocationInfo {
	t.mu.Lock()
	out := make([]InvocationInfo, 0, len(t.active))
	for _, inv := range t.active {
		out = append(out, InvocationInfo{
			ID:            inv.ID,
			Tool:          inv.Tool,
			CorrelationID: inv.CorrelationID,
			Depth:         inv.Depth,
			StartedAt:     inv.StartedAt,
		})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
