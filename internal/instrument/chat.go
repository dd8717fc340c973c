package instrument

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/miradorstack/mirador-telemetry/internal/adapter"
	"github.com/miradorstack/mirador-telemetry/internal/models"
)

// ChatTelemetry records chat sessions and messages.
type ChatTelemetry struct {
	base
}

// NewChatTelemetry constructs the chat facade.
func NewChatTelemetry(d Deps) *ChatTelemetry {
	return &ChatTelemetry{base: newBase(adapter.DomainChat, d)}
}

// RecordMessage emits chat.message. Content goes through the truncation
// and hashing rules like any other field.
func (c *ChatTelemetry) RecordMessage(ctx context.Context, sessionID, role, content string) {
	c.emit(ctx, adapter.Payload{
		EventName: "chat.message",
		Data: models.Fields{
			"session_id":     models.String(sessionID),
			"role":           models.String(role),
			"content":        models.String(content),
			"content_length": models.Number(float64(utf8.RuneCountInString(content))),
		},
	})
}

// RecordSession emits chat.session_<event>, e.g. chat.session_started.
func (c *ChatTelemetry) RecordSession(ctx context.Context, sessionID, event string, fields models.Fields) {
	data := fields.Clone()
	data["session_id"] = models.String(sessionID)
	c.emit(ctx, adapter.Payload{EventName: "chat.session_" + event, Data: data})
}

// LLMCall describes one model invocation.
type LLMCall struct {
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	Err              error
	Fields           models.Fields
}

// LLMTelemetry records model calls.
type LLMTelemetry struct {
	base
}

// NewLLMTelemetry constructs the LLM facade.
func NewLLMTelemetry(d Deps) *LLMTelemetry {
	return &LLMTelemetry{base: newBase(adapter.DomainLLM, d)}
}

// RecordCall emits llm.completed or llm.failed plus an llm.tokens counter.
// The adapter adds the llm.duration_ms histogram.
func (l *LLMTelemetry) RecordCall(ctx context.Context, call LLMCall) {
	name := "llm.completed"
	if call.Err != nil {
		name = "llm.failed"
	}
	if !l.admit(name) {
		return
	}

	total := call.PromptTokens + call.CompletionTokens
	data := call.Fields.Clone().Merge(models.Fields{
		"provider":          models.String(call.Provider),
		"model":             models.String(call.Model),
		"prompt_tokens":     models.Number(float64(call.PromptTokens)),
		"completion_tokens": models.Number(float64(call.CompletionTokens)),
		"total_tokens":      models.Number(float64(total)),
	})
	perf := models.Fields{}
	if seconds := call.Duration.Seconds(); seconds > 0 && call.CompletionTokens > 0 {
		perf["tokens_per_second"] = models.Number(float64(call.CompletionTokens) / seconds)
	}

	l.send(ctx, adapter.Payload{
		EventName:   name,
		Data:        data,
		Performance: perf,
		Error:       errorText(call.Err),
		DurationMS:  millis(call.Duration),
	})
	if total > 0 {
		l.metric(ctx, "llm.tokens", float64(total), map[string]string{"component": call.Provider, "model": call.Model}, models.MetricCounter)
	}
}
