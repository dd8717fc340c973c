package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

const bytesPerMB = 1024 * 1024

// HealthStatus groups health checks by component. Without a time range in
// the filter the last 60 minutes are used. The system is healthy when no
// component's latest check failed.
func (s *Service) HealthStatus(ctx context.Context, filter models.HealthFilter) (HealthReport, error) {
	defer s.observe("health_status", time.Now())
	if filter.TimeRange.IsZero() {
		now := s.now()
		filter.TimeRange = models.TimeRange{Start: now.Add(-healthWindow), End: now}
	}
	filter.Limit = 0
	records, err := s.reader.ListHealthChecks(ctx, filter)
	if err != nil {
		return HealthReport{}, fmt.Errorf("health status: %w", err)
	}
	return summarizeHealth(records, filter.TimeRange), nil
}

func summarizeHealth(records []models.HealthCheckRecord, window models.TimeRange) HealthReport {
	report := HealthReport{OverallHealthy: true, Window: window, TotalChecks: len(records)}

	type acc struct {
		ComponentHealth
		healthy   int
		respSum   float64
		respCount int
		errorAt   time.Time
	}
	groups := make(map[string]*acc)
	for _, r := range records {
		g, ok := groups[r.Component]
		if !ok {
			g = &acc{ComponentHealth: ComponentHealth{Component: r.Component}}
			groups[r.Component] = g
		}
		g.TotalChecks++
		if r.IsHealthy {
			g.healthy++
		}
		if g.LastChecked.IsZero() || r.CheckedAt.After(g.LastChecked) {
			g.LastChecked = r.CheckedAt
			g.IsHealthy = r.IsHealthy
		}
		if r.ErrorMessage != "" && (g.LatestError == "" || r.CheckedAt.After(g.errorAt)) {
			g.LatestError = r.ErrorMessage
			g.errorAt = r.CheckedAt
		}
		if r.ResponseTimeMS != nil {
			g.respSum += *r.ResponseTimeMS
			g.respCount++
		}
	}

	for _, g := range groups {
		g.SuccessRate = float64(g.healthy) / float64(g.TotalChecks) * 100
		if g.respCount > 0 {
			avg := g.respSum / float64(g.respCount)
			g.AvgResponseTimeMS = &avg
		}
		if !g.IsHealthy {
			report.OverallHealthy = false
		}
		report.Components = append(report.Components, g.ComponentHealth)
	}
	sort.Slice(report.Components, func(i, j int) bool { return report.Components[i].Component < report.Components[j].Component })
	return report
}

// PerformanceAnalysis summarises snapshots: class distribution, average
// and p95 duration, average memory, and the slow and critical operations.
func (s *Service) PerformanceAnalysis(ctx context.Context, filter models.PerformanceFilter) (PerformanceReport, error) {
	defer s.observe("performance_analysis", time.Now())
	filter.Limit = 0
	snaps, err := s.reader.ListPerformanceSnapshots(ctx, filter)
	if err != nil {
		return PerformanceReport{}, fmt.Errorf("performance analysis: %w", err)
	}
	return analyzePerformance(snaps), nil
}

func analyzePerformance(snaps []models.PerformanceSnapshot) PerformanceReport {
	report := PerformanceReport{
		TotalOperations: len(snaps),
		Distribution:    make(map[models.PerformanceClass]int, len(models.PerformanceClasses)),
		SlowOperations:  []OperationBreakdown{},
	}
	for _, c := range models.PerformanceClasses {
		report.Distribution[c] = 0
	}

	type opKey struct {
		component string
		operation string
		class     models.PerformanceClass
	}
	slow := make(map[opKey]*OperationBreakdown)
	durations := make([]float64, 0, len(snaps))
	memSum, memCount := 0.0, 0
	for _, snap := range snaps {
		report.Distribution[snap.PerformanceClass]++
		durations = append(durations, snap.DurationMS)
		if snap.MemoryUsageBytes != nil {
			memSum += float64(*snap.MemoryUsageBytes)
			memCount++
		}
		if snap.PerformanceClass != models.PerformanceSlow && snap.PerformanceClass != models.PerformanceCritical {
			continue
		}
		k := opKey{snap.Component, snap.Operation, snap.PerformanceClass}
		b, ok := slow[k]
		if !ok {
			b = &OperationBreakdown{Component: k.component, Operation: k.operation, PerformanceClass: k.class}
			slow[k] = b
		}
		b.Count++
		b.AvgDurationMS += snap.DurationMS
	}

	if len(durations) > 0 {
		sum := 0.0
		for _, d := range durations {
			sum += d
		}
		avg := sum / float64(len(durations))
		report.AvgDurationMS = &avg
		if p95, ok := utils.Percentile(durations, 95); ok {
			report.P95DurationMS = &p95
		}
	}
	if memCount > 0 {
		mb := memSum / float64(memCount) / bytesPerMB
		report.AvgMemoryMB = &mb
	}

	for _, b := range slow {
		b.AvgDurationMS /= float64(b.Count)
		report.SlowOperations = append(report.SlowOperations, *b)
	}
	sort.Slice(report.SlowOperations, func(i, j int) bool {
		a, b := report.SlowOperations[i], report.SlowOperations[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Component != b.Component {
			return a.Component < b.Component
		}
		return a.Operation < b.Operation
	})
	return report
}

// CorrelationChainAnalysis returns one chain with its timeline and
// duration when chainID is set, otherwise a summary of chains started in
// the last 24 hours.
func (s *Service) CorrelationChainAnalysis(ctx context.Context, chainID string) (ChainAnalysis, error) {
	defer s.observe("chain_analysis", time.Now())
	if chainID == "" {
		summary, err := s.chainSummary(ctx)
		if err != nil {
			return ChainAnalysis{}, err
		}
		return ChainAnalysis{Summary: &summary}, nil
	}

	chain, err := s.reader.GetChain(ctx, chainID)
	if err != nil {
		return ChainAnalysis{}, fmt.Errorf("get chain %s: %w", chainID, err)
	}
	timeline, err := s.EventsByCorrelation(ctx, chain.RootCorrelationID)
	if err != nil {
		return ChainAnalysis{}, err
	}
	out := ChainAnalysis{Chain: &chain, Timeline: timeline}
	if d, ok := chain.Duration(); ok {
		ms := utils.DurationMillis(d)
		out.DurationMS = &ms
	}
	return out, nil
}

func (s *Service) chainSummary(ctx context.Context) (ChainSummary, error) {
	since := s.now().Add(-chainWindow)
	chains, err := s.reader.ListChains(ctx, models.ChainFilter{StartedAfter: since, Limit: s.cfg.MaxLimit})
	if err != nil {
		return ChainSummary{}, fmt.Errorf("list chains: %w", err)
	}
	return summarizeChains(chains, since), nil
}

func summarizeChains(chains []models.CorrelationChain, since time.Time) ChainSummary {
	summary := ChainSummary{
		TotalChains:    len(chains),
		ByStatus:       make(map[models.ChainStatus]int, len(models.ChainStatuses)),
		DepthHistogram: map[int]int{},
		Since:          since,
	}
	for _, st := range models.ChainStatuses {
		summary.ByStatus[st] = 0
	}
	total, completed := 0.0, 0
	for _, c := range chains {
		summary.ByStatus[c.Status]++
		summary.DepthHistogram[c.Depth]++
		if c.Status != models.ChainCompleted {
			continue
		}
		if d, ok := c.Duration(); ok {
			total += utils.DurationMillis(d)
			completed++
		}
	}
	if completed > 0 {
		avg := total / float64(completed)
		summary.AvgCompletedDurationMS = &avg
	}
	return summary
}
