// Package instrument provides the domain facades producers call. Facades
// never return telemetry failures to the caller.
package instrument

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/adapter"
	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/metrics"
	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/sanitize"
)

// Handler normalizes and stores a payload.
type Handler interface {
	Handle(ctx context.Context, domain string, p adapter.Payload) (string, error)
}

// Sink is the part of the telemetry sink facades use directly.
type Sink interface {
	Enabled() bool
	StoreMetric(ctx context.Context, name string, value float64, labels map[string]string, metricType models.MetricType) (string, error)
	StorePerformanceSnapshot(ctx context.Context, snap models.PerformanceSnapshot) (string, error)
	UpdateCorrelationChain(ctx context.Context, correlationID string, upd models.ChainUpdate) (models.CorrelationChain, error)
	ClassifyPerformance(component string, durationMS float64) models.PerformanceClass
}

// Deps wires a facade.
type Deps struct {
	Handler  Handler
	Sink     Sink
	Policy   *sanitize.Policy
	Sampling config.SamplingConfig
	Logger   *slog.Logger
	// Rand returns uniform draws in [0,1); defaults to math/rand/v2.
	Rand func() float64
	// Now defaults to time.Now in UTC.
	Now func() time.Time
	// HeapAlloc reports current heap usage; defaults to runtime.ReadMemStats.
	HeapAlloc func() uint64
}

// Set bundles every facade built from the same dependencies.
type Set struct {
	Tool     *ToolTelemetry
	Command  *CommandTelemetry
	Fragment *FragmentTelemetry
	Chat     *ChatTelemetry
	LLM      *LLMTelemetry
}

// NewSet builds all facades.
func NewSet(d Deps) *Set {
	return &Set{
		Tool:     NewToolTelemetry(d),
		Command:  NewCommandTelemetry(d),
		Fragment: NewFragmentTelemetry(d),
		Chat:     NewChatTelemetry(d),
		LLM:      NewLLMTelemetry(d),
	}
}

// Sampler decides whether an event is recorded. Rates are looked up by
// event name, then domain, then the default.
type Sampler struct {
	def   float64
	rates map[string]float64
	rnd   func() float64
}

// NewSampler builds a sampler; rnd may be nil.
func NewSampler(cfg config.SamplingConfig, rnd func() float64) *Sampler {
	if rnd == nil {
		rnd = rand.Float64
	}
	rates := make(map[string]float64, len(cfg.Rates))
	for k, v := range cfg.Rates {
		rates[k] = v
	}
	return &Sampler{def: cfg.Default, rates: rates, rnd: rnd}
}

// Rate returns the configured probability for an event.
func (s *Sampler) Rate(domain, eventName string) float64 {
	if r, ok := s.rates[eventName]; ok {
		return r
	}
	if r, ok := s.rates[domain]; ok {
		return r
	}
	return s.def
}

// Sample draws once; a draw at or above the rate discards the event.
func (s *Sampler) Sample(domain, eventName string) bool {
	rate := s.Rate(domain, eventName)
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	default:
		return s.rnd() < rate
	}
}

type base struct {
	domain    string
	handler   Handler
	sink      Sink
	policy    *sanitize.Policy
	sampler   *Sampler
	logger    *slog.Logger
	now       func() time.Time
	heapAlloc func() uint64
}

func newBase(domain string, d Deps) base {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	heap := d.HeapAlloc
	if heap == nil {
		heap = readHeapAlloc
	}
	return base{
		domain:    domain,
		handler:   d.Handler,
		sink:      d.Sink,
		policy:    d.Policy,
		sampler:   NewSampler(d.Sampling, d.Rand),
		logger:    logger.With("component", domain+"_telemetry"),
		now:       now,
		heapAlloc: heap,
	}
}

func readHeapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// admit runs the enablement check and the sampling draw.
func (b *base) admit(eventName string) bool {
	if b.sink != nil && !b.sink.Enabled() {
		return false
	}
	if !b.sampler.Sample(b.domain, eventName) {
		metrics.ObserveSampledOut(b.domain)
		return false
	}
	return true
}

// send sanitizes the payload and hands it to the adapter. It never panics
// and never returns an error.
func (b *base) send(ctx context.Context, p adapter.Payload) (id string) {
	defer b.recoverPanic("send " + p.EventName)
	p.Data = b.policy.Fields(p.Data)
	p.Error = b.policy.String(p.Error)
	id, err := b.handler.Handle(ctx, b.domain, p)
	if err != nil {
		b.logger.Warn("telemetry emit failed", slog.String("event_name", p.EventName), slog.Any("error", err))
	}
	return id
}

// emit is admit followed by send.
func (b *base) emit(ctx context.Context, p adapter.Payload) string {
	if !b.admit(p.EventName) {
		return ""
	}
	return b.send(ctx, p)
}

func (b *base) metric(ctx context.Context, name string, value float64, labels map[string]string, kind models.MetricType) {
	defer b.recoverPanic("metric " + name)
	if _, err := b.sink.StoreMetric(ctx, name, value, labels, kind); err != nil {
		b.logger.Warn("telemetry metric failed", slog.String("metric_name", name), slog.Any("error", err))
	}
}

func (b *base) recoverPanic(op string) {
	if r := recover(); r != nil {
		b.logger.Warn("telemetry panic recovered", slog.String("op", op), slog.Any("panic", r))
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func millis(d time.Duration) *float64 {
	ms := float64(d) / float64(time.Millisecond)
	return &ms
}
