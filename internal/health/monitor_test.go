package health

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	checks []models.HealthCheckRecord
	events []models.TelemetryEvent
	fail   error
}

func (r *recorder) StoreHealthCheck(_ context.Context, rec models.HealthCheckRecord) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.checks = append(r.checks, rec)
	return "check-id", nil
}

func (r *recorder) StoreEvent(_ context.Context, ev models.TelemetryEvent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return "event-id", nil
}

func (r *recorder) eventsNamed(name string) []models.TelemetryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.TelemetryEvent
	for _, ev := range r.events {
		if ev.EventName == name {
			out = append(out, ev)
		}
	}
	return out
}

func healthCfg() config.HealthConfig {
	return config.HealthConfig{
		FailureThreshold:  3,
		RecoveryThreshold: 2,
		CheckTimeout:      50 * time.Millisecond,
		Parallelism:       4,
	}
}

// scripted returns the scripted outcomes in order, repeating the last one.
func scripted(outcomes ...bool) Probe {
	var mu sync.Mutex
	i := 0
	return func(context.Context) ProbeResult {
		mu.Lock()
		defer mu.Unlock()
		ok := outcomes[min(i, len(outcomes)-1)]
		i++
		if ok {
			return ProbeResult{Healthy: true}
		}
		return ProbeResult{Err: "connection refused"}
	}
}

func TestHysteresis(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(healthCfg(), config.AlertsConfig{}, rec, nil)
	m.Register("db", "ping", scripted(false, false, false, true, true))
	ctx := context.Background()

	want := []models.HealthStatus{
		models.HealthUnknown,
		models.HealthUnknown,
		models.HealthUnhealthy,
		models.HealthUnhealthy,
		models.HealthHealthy,
	}
	for i, status := range want {
		m.CheckAll(ctx)
		st, ok := m.State("db")
		if !ok {
			t.Fatalf("sweep %d: expected state", i)
		}
		if st.CurrentStatus != status {
			t.Fatalf("sweep %d: expected %s, got %s", i, status, st.CurrentStatus)
		}
		if st.ConsecutiveFailures != 0 && st.ConsecutiveSuccesses != 0 {
			t.Fatalf("sweep %d: both counters non-zero: %+v", i, st)
		}
	}

	changes := rec.eventsNamed(EventStatusChanged)
	if len(changes) != 2 {
		t.Fatalf("expected 2 status changes, got %d", len(changes))
	}
	first := changes[0].Metadata
	if first.Text("previous_status") != "unknown" || first.Text("new_status") != "unhealthy" {
		t.Fatalf("unexpected first transition: %v", first.Raw())
	}
	if n, _ := first.Float("consecutive_failures"); n != 3 {
		t.Fatalf("expected 3 failures in transition, got %v", n)
	}
	if changes[0].Level != models.LevelWarning {
		t.Fatalf("expected warning level, got %s", changes[0].Level)
	}
	if changes[1].Metadata.Text("new_status") != "healthy" {
		t.Fatalf("unexpected second transition: %v", changes[1].Metadata.Raw())
	}
	if len(rec.checks) != 5 {
		t.Fatalf("expected 5 persisted checks, got %d", len(rec.checks))
	}
}

func TestSingleSuccessDoesNotRecover(t *testing.T) {
	m := NewMonitor(healthCfg(), config.AlertsConfig{}, nil, nil)
	at := time.Now()
	for i := 0; i < 3; i++ {
		m.Observe("cache", false, "boom", at)
	}
	if _, changed := m.Observe("cache", true, "", at); changed {
		t.Fatalf("single success must not change status")
	}
	st, _ := m.State("cache")
	if st.CurrentStatus != models.HealthUnhealthy {
		t.Fatalf("expected unhealthy, got %s", st.CurrentStatus)
	}
	if st.ConsecutiveFailures != 0 || st.ConsecutiveSuccesses != 1 {
		t.Fatalf("expected counters reset, got %+v", st)
	}
	tr, changed := m.Observe("cache", true, "", at)
	if !changed || tr.Current != models.HealthHealthy {
		t.Fatalf("expected recovery on second success, got %+v", tr)
	}
}

func TestProbeTimeoutCountsAsFailure(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(healthCfg(), config.AlertsConfig{}, rec, nil)
	release := make(chan struct{})
	defer close(release)
	m.Register("slow", "", func(context.Context) ProbeResult {
		<-release
		return ProbeResult{Healthy: true}
	})

	start := time.Now()
	records := m.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("sweep blocked on a stuck probe for %s", elapsed)
	}
	if len(records) != 1 || records[0].IsHealthy {
		t.Fatalf("expected failed record, got %+v", records)
	}
	if !strings.Contains(records[0].ErrorMessage, "timed out") {
		t.Fatalf("expected timeout message, got %q", records[0].ErrorMessage)
	}
	if records[0].CheckName != "slow" {
		t.Fatalf("expected check name to default to component, got %q", records[0].CheckName)
	}
}

func TestCancelledSweepLeavesStateUntouched(t *testing.T) {
	rec := &recorder{}
	cfg := healthCfg()
	cfg.CheckTimeout = 5 * time.Second
	m := NewMonitor(cfg, config.AlertsConfig{OverallHealthThreshold: 80}, rec, nil)
	m.Register("db", "ping", scripted(true))
	// Drive db to healthy first.
	m.CheckAll(context.Background())
	m.CheckAll(context.Background())

	started := make(chan struct{})
	m.Register("queue", "ping", func(ctx context.Context) ProbeResult {
		close(started)
		<-ctx.Done()
		return ProbeResult{Err: ctx.Err().Error()}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	records := m.CheckAll(ctx)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	rec.mu.Lock()
	persisted := len(rec.checks)
	rec.mu.Unlock()
	if persisted > 3 {
		t.Fatalf("cancelled checks must not be persisted, got %d stored checks", persisted)
	}
	if st, ok := m.State("queue"); ok && st.ConsecutiveFailures != 0 {
		t.Fatalf("cancelled probe fed hysteresis: %+v", st)
	}
	st, ok := m.State("db")
	if !ok || st.CurrentStatus != models.HealthHealthy {
		t.Fatalf("db should stay healthy after cancelled sweep, got %+v", st)
	}
}

func TestPanickingProbeCountsAsFailure(t *testing.T) {
	m := NewMonitor(healthCfg(), config.AlertsConfig{}, nil, nil)
	m.Register("flaky", "panic", func(context.Context) ProbeResult { panic("nil map") })
	records := m.CheckAll(context.Background())
	if records[0].IsHealthy || !strings.Contains(records[0].ErrorMessage, "nil map") {
		t.Fatalf("expected panic recorded as failure, got %+v", records[0])
	}
}

func TestCheckAllRespectsParallelism(t *testing.T) {
	cfg := healthCfg()
	cfg.Parallelism = 2
	cfg.CheckTimeout = time.Second
	m := NewMonitor(cfg, config.AlertsConfig{}, nil, nil)

	var mu sync.Mutex
	running, peak := 0, 0
	probe := func(context.Context) ProbeResult {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return ProbeResult{Healthy: true}
	}
	for _, c := range []string{"a", "b", "c", "d", "e", "f"} {
		m.Register(c, "", probe)
	}
	records := m.CheckAll(context.Background())
	if len(records) != 6 {
		t.Fatalf("expected 6 records, got %d", len(records))
	}
	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent probes, got %d", peak)
	}
	if got := m.Components(); len(got) != 6 || got[0] != "a" {
		t.Fatalf("unexpected components %v", got)
	}
}

func TestPersistFailureDoesNotStopTracking(t *testing.T) {
	rec := &recorder{fail: errors.New("store down")}
	m := NewMonitor(healthCfg(), config.AlertsConfig{}, rec, nil)
	m.Register("db", "ping", scripted(true))
	m.CheckAll(context.Background())
	m.CheckAll(context.Background())
	st, _ := m.State("db")
	if st.CurrentStatus != models.HealthHealthy {
		t.Fatalf("expected healthy, got %s", st.CurrentStatus)
	}
}

func TestSystemHealthAlert(t *testing.T) {
	rec := &recorder{}
	runbook := NewRunbook([]Rule{
		{ID: "db-conn", Match: RuleMatch{Component: "db", ErrorContains: []string{"refused"}}, Recommendations: []string{"Check database listener"}},
		{ID: "other", Match: RuleMatch{Component: "queue"}, Recommendations: []string{"Restart broker"}},
	}, nil)
	m := NewMonitor(healthCfg(), config.AlertsConfig{OverallHealthThreshold: 80}, rec, nil, WithRunbook(runbook))
	m.Register("db", "ping", scripted(false))
	m.Register("api", "ping", scripted(true))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.CheckAll(ctx)
	}

	report := m.SystemHealth(ctx)
	if report.Total != 2 || report.Healthy != 1 || report.Percentage != 50 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !report.Alert || len(report.Unhealthy) != 1 {
		t.Fatalf("expected alert with one unhealthy component, got %+v", report)
	}
	u := report.Unhealthy[0]
	if u.Component != "db" || u.LastError != "connection refused" {
		t.Fatalf("unexpected unhealthy entry %+v", u)
	}
	if len(u.Recommendations) != 1 || u.Recommendations[0] != "Check database listener" {
		t.Fatalf("unexpected recommendations %v", u.Recommendations)
	}

	alerts := rec.eventsNamed(EventSystemAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert event, got %d", len(alerts))
	}
	if alerts[0].Level != models.LevelCritical {
		t.Fatalf("expected critical alert, got %s", alerts[0].Level)
	}
	db := alerts[0].Metadata["unhealthy_components"].Fields()["db"].Fields()
	if db.Text("last_error") != "connection refused" {
		t.Fatalf("expected last error in alert, got %v", db.Raw())
	}
}

func TestSystemHealthNoAlertWhenHealthy(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(healthCfg(), config.AlertsConfig{OverallHealthThreshold: 80}, rec, nil)
	if report := m.SystemHealth(context.Background()); report.Percentage != 100 || report.Alert {
		t.Fatalf("empty monitor should report 100%% without alert, got %+v", report)
	}
	m.Register("api", "ping", scripted(true))
	m.CheckAll(context.Background())
	m.CheckAll(context.Background())
	if report := m.SystemHealth(context.Background()); report.Alert {
		t.Fatalf("unexpected alert %+v", report)
	}
	if len(rec.eventsNamed(EventSystemAlert)) != 0 {
		t.Fatalf("unexpected alert events")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := healthCfg()
	cfg.Interval = 5 * time.Millisecond
	m := NewMonitor(cfg, config.AlertsConfig{}, nil, nil)
	m.Register("api", "ping", scripted(true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for {
		if st, ok := m.State("api"); ok && st.CurrentStatus == models.HealthHealthy {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("monitor never reported healthy")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
