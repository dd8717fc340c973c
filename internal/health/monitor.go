// Package health probes registered components and tracks their status with
// hysteresis so single blips do not flap the reported state.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/metrics"
	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

// Event names emitted by the monitor.
const (
	EventStatusChanged = "health.status_changed"
	EventSystemAlert   = "health.system_alert"
	eventType          = "health"
)

// ProbeResult is the typed outcome of one probe.
type ProbeResult struct {
	Healthy  bool
	Err      string
	Metadata models.Fields
}

// Probe checks one component. It should honour ctx cancellation; a probe
// that does not is abandoned once the check timeout elapses.
type Probe func(ctx context.Context) ProbeResult

// Recorder persists health checks and the events the monitor emits.
type Recorder interface {
	StoreHealthCheck(ctx context.Context, rec models.HealthCheckRecord) (string, error)
	StoreEvent(ctx context.Context, ev models.TelemetryEvent) (string, error)
}

// Transition describes a status change.
type Transition struct {
	Component string
	Previous  models.HealthStatus
	Current   models.HealthStatus
	State     models.ComponentHealthState
}

// UnhealthyComponent is a component listed in a system alert.
type UnhealthyComponent struct {
	Component       string   `json:"component"`
	LastError       string   `json:"last_error,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// SystemHealth aggregates the status of every registered component.
type SystemHealth struct {
	Percentage float64                       `json:"health_percentage"`
	Healthy    int                           `json:"healthy_components"`
	Total      int                           `json:"total_components"`
	Components []models.ComponentHealthState `json:"components"`
	Unhealthy  []UnhealthyComponent          `json:"unhealthy_components"`
	Alert      bool                          `json:"alert"`
	CheckedAt  time.Time                     `json:"checked_at"`
}

type registration struct {
	component string
	checkName string
	probe     Probe
}

// Monitor owns the probe registry and the per-component hysteresis state.
type Monitor struct {
	cfg            config.HealthConfig
	alertThreshold float64
	recorder       Recorder
	runbook        *Runbook
	logger         *slog.Logger
	now            func() time.Time

	mu     sync.Mutex
	probes []registration
	states map[string]*models.ComponentHealthState
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock overrides the clock used for check timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithRunbook attaches remediation hints to system alerts.
func WithRunbook(r *Runbook) Option {
	return func(m *Monitor) { m.runbook = r }
}

// NewMonitor constructs a Monitor. recorder may be nil in which case checks
// are only tracked in memory.
func NewMonitor(cfg config.HealthConfig, alerts config.AlertsConfig, recorder Recorder, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 2
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	m := &Monitor{
		cfg:            cfg,
		alertThreshold: alerts.OverallHealthThreshold,
		recorder:       recorder,
		logger:         logger.With("component", "health_monitor"),
		now:            func() time.Time { return time.Now().UTC() },
		states:         make(map[string]*models.ComponentHealthState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a probe. A component may have several checks; they share
// one hysteresis state.
func (m *Monitor) Register(component, checkName string, probe Probe) {
	if checkName == "" {
		checkName = component
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, registration{component: component, checkName: checkName, probe: probe})
}

// Components lists the distinct registered components, sorted.
func (m *Monitor) Components() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.componentsLocked()
}

func (m *Monitor) componentsLocked() []string {
	seen := make(map[string]struct{}, len(m.probes))
	out := make([]string, 0, len(m.probes))
	for _, p := range m.probes {
		if _, ok := seen[p.component]; ok {
			continue
		}
		seen[p.component] = struct{}{}
		out = append(out, p.component)
	}
	sort.Strings(out)
	return out
}

// CheckAll runs every registered probe with bounded parallelism and returns
// the resulting records in registration order.
func (m *Monitor) CheckAll(ctx context.Context) []models.HealthCheckRecord {
	m.mu.Lock()
	probes := append([]registration(nil), m.probes...)
	m.mu.Unlock()

	records := make([]models.HealthCheckRecord, len(probes))
	var g errgroup.Group
	g.SetLimit(m.cfg.Parallelism)
	for i, reg := range probes {
		g.Go(func() error {
			records[i] = m.check(ctx, reg)
			return nil
		})
	}
	_ = g.Wait()
	return records
}

// CheckAllTools is CheckAll.
func (m *Monitor) CheckAllTools(ctx context.Context) []models.HealthCheckRecord {
	return m.CheckAll(ctx)
}

func (m *Monitor) check(ctx context.Context, reg registration) models.HealthCheckRecord {
	started := time.Now()
	res := m.runProbe(ctx, reg)
	elapsed := utils.DurationMillis(time.Since(started))

	if ctx.Err() != nil {
		// Shutdown interrupted the sweep: the outcome says nothing about
		// the component, so it is neither persisted nor counted.
		return models.HealthCheckRecord{
			Component:    reg.component,
			CheckName:    reg.checkName,
			ErrorMessage: "health check cancelled: " + ctx.Err().Error(),
			CheckedAt:    m.now(),
		}
	}

	rec := models.HealthCheckRecord{
		Component:      reg.component,
		CheckName:      reg.checkName,
		IsHealthy:      res.Healthy,
		ResponseTimeMS: &elapsed,
		Metadata:       res.Metadata.Clone(),
		CheckedAt:      m.now(),
	}
	if !res.Healthy {
		rec.ErrorMessage = res.Err
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = "probe reported unhealthy"
		}
	}

	if m.recorder != nil {
		id, err := m.recorder.StoreHealthCheck(context.WithoutCancel(ctx), rec)
		if err != nil {
			m.logger.Warn("persist health check failed", slog.String("component", reg.component), slog.Any("error", err))
		}
		rec.ID = id
	}

	if tr, changed := m.Observe(reg.component, rec.IsHealthy, rec.ErrorMessage, rec.CheckedAt); changed {
		m.emitTransition(ctx, tr)
	}
	return rec
}

// runProbe runs the probe under the check timeout. Panics and timeouts are
// failures.
func (m *Monitor) runProbe(ctx context.Context, reg registration) ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	done := make(chan ProbeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ProbeResult{Err: fmt.Sprintf("probe panicked: %v", r)}
			}
		}()
		done <- reg.probe(pctx)
	}()

	select {
	case res := <-done:
		return res
	case <-pctx.Done():
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			m.logger.Warn("health probe timed out", slog.String("component", reg.component), slog.String("check", reg.checkName))
			return ProbeResult{Err: fmt.Sprintf("health check timed out after %s", m.cfg.CheckTimeout)}
		}
		return ProbeResult{Err: "health check cancelled: " + pctx.Err().Error()}
	}
}

// Observe feeds one result into the hysteresis state machine and reports
// whether the component's status changed.
func (m *Monitor) Observe(component string, healthy bool, errMsg string, at time.Time) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[component]
	if !ok {
		st = &models.ComponentHealthState{Component: component, CurrentStatus: models.HealthUnknown}
		m.states[component] = st
	}
	checked := at
	st.LastCheck = &checked

	prev := st.CurrentStatus
	if healthy {
		st.ConsecutiveFailures = 0
		st.ConsecutiveSuccesses++
		if st.ConsecutiveSuccesses >= m.cfg.RecoveryThreshold {
			st.CurrentStatus = models.HealthHealthy
		}
	} else {
		st.ConsecutiveSuccesses = 0
		st.ConsecutiveFailures++
		st.LastError = errMsg
		if st.ConsecutiveFailures >= m.cfg.FailureThreshold {
			st.CurrentStatus = models.HealthUnhealthy
		}
	}

	if st.CurrentStatus == prev {
		return Transition{}, false
	}
	return Transition{Component: component, Previous: prev, Current: st.CurrentStatus, State: *st}, true
}

func (m *Monitor) emitTransition(ctx context.Context, tr Transition) {
	metrics.SetComponentHealth(tr.Component, tr.Current == models.HealthHealthy, true)
	m.logger.Info("component health changed",
		slog.String("component", tr.Component),
		slog.String("previous", string(tr.Previous)),
		slog.String("current", string(tr.Current)))

	level := models.LevelInfo
	if tr.Current == models.HealthUnhealthy {
		level = models.LevelWarning
	}
	meta := models.Fields{
		"previous_status":       models.String(string(tr.Previous)),
		"new_status":            models.String(string(tr.Current)),
		"consecutive_failures":  models.Number(float64(tr.State.ConsecutiveFailures)),
		"consecutive_successes": models.Number(float64(tr.State.ConsecutiveSuccesses)),
	}
	if tr.State.LastError != "" {
		meta["last_error"] = models.String(tr.State.LastError)
	}
	m.emit(ctx, models.TelemetryEvent{
		EventType: eventType,
		EventName: EventStatusChanged,
		Component: tr.Component,
		Operation: "status_changed",
		Metadata:  meta,
		Message:   fmt.Sprintf("%s is now %s (was %s)", tr.Component, tr.Current, tr.Previous),
		Level:     level,
	})
}

func (m *Monitor) emit(ctx context.Context, ev models.TelemetryEvent) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.StoreEvent(context.WithoutCancel(ctx), ev); err != nil {
		m.logger.Warn("emit health event failed", slog.String("event_name", ev.EventName), slog.Any("error", err))
	}
}

// State returns a copy of the component's state.
func (m *Monitor) State(component string) (models.ComponentHealthState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[component]
	if !ok {
		return models.ComponentHealthState{}, false
	}
	return *st, true
}

// States returns a copy of every known state, sorted by component.
func (m *Monitor) States() []models.ComponentHealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statesLocked()
}

func (m *Monitor) statesLocked() []models.ComponentHealthState {
	out := make([]models.ComponentHealthState, 0, len(m.states))
	for _, st := range m.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// SystemHealth computes healthy/total over the registered components.
// Components never checked count as not healthy. Falling below the alert
// threshold emits health.system_alert.
func (m *Monitor) SystemHealth(ctx context.Context) SystemHealth {
	m.mu.Lock()
	components := m.componentsLocked()
	report := SystemHealth{Total: len(components), CheckedAt: m.now()}
	for _, c := range components {
		st, ok := m.states[c]
		if !ok {
			st = &models.ComponentHealthState{Component: c, CurrentStatus: models.HealthUnknown}
		}
		report.Components = append(report.Components, *st)
		switch st.CurrentStatus {
		case models.HealthHealthy:
			report.Healthy++
		case models.HealthUnhealthy:
			report.Unhealthy = append(report.Unhealthy, UnhealthyComponent{Component: c, LastError: st.LastError})
		}
	}
	m.mu.Unlock()

	report.Percentage = 100
	if report.Total > 0 {
		report.Percentage = float64(report.Healthy) / float64(report.Total) * 100
	}
	for i := range report.Unhealthy {
		u := &report.Unhealthy[i]
		u.Recommendations = m.runbook.Recommend(u.Component, u.LastError)
	}
	if report.Percentage < m.alertThreshold {
		report.Alert = true
		m.emitAlert(ctx, report)
	}
	return report
}

func (m *Monitor) emitAlert(ctx context.Context, report SystemHealth) {
	m.logger.Warn("system health below threshold",
		slog.Float64("health_percentage", report.Percentage),
		slog.Float64("threshold", m.alertThreshold),
		slog.Int("unhealthy", len(report.Unhealthy)))

	unhealthy := make(models.Fields, len(report.Unhealthy))
	for _, u := range report.Unhealthy {
		entry := models.Fields{"last_error": models.String(u.LastError)}
		for i, rec := range u.Recommendations {
			entry[fmt.Sprintf("recommendation_%d", i+1)] = models.String(rec)
		}
		unhealthy[u.Component] = models.Map(entry)
	}
	m.emit(ctx, models.TelemetryEvent{
		EventType: eventType,
		EventName: EventSystemAlert,
		Component: "system",
		Operation: "system_health",
		Metadata: models.Fields{
			"health_percentage":    models.Number(report.Percentage),
			"threshold":            models.Number(m.alertThreshold),
			"healthy_components":   models.Number(float64(report.Healthy)),
			"total_components":     models.Number(float64(report.Total)),
			"unhealthy_components": models.Map(unhealthy),
		},
		Message: fmt.Sprintf("System health %.1f%% below threshold %.1f%%", report.Percentage, m.alertThreshold),
		Level:   models.LevelCritical,
	})
}

// Run sweeps every interval until ctx is cancelled. A zero interval runs a
// single sweep.
func (m *Monitor) Run(ctx context.Context) {
	m.sweep(ctx)
	if m.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	records := m.CheckAll(ctx)
	if ctx.Err() != nil {
		return
	}
	failed := 0
	for _, rec := range records {
		if !rec.IsHealthy {
			failed++
		}
	}
	m.logger.Debug("health sweep complete", slog.Int("checks", len(records)), slog.Int("failed", failed))
	m.SystemHealth(ctx)
}
