package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

// Aggregation kinds accepted by MetricAggregation.
const (
	AggAvg         = "avg"
	AggSum         = "sum"
	AggMin         = "min"
	AggMax         = "max"
	AggCount       = "count"
	AggPercentiles = "percentiles"
)

// Aggregations lists the accepted aggregation kinds.
var Aggregations = []string{AggAvg, AggSum, AggMin, AggMax, AggCount, AggPercentiles}

// ReportedPercentiles are computed for the percentiles aggregation.
var ReportedPercentiles = []float64{50, 90, 95, 99}

// Intervals lists the accepted time-series bucket widths.
var Intervals = []string{"1m", "5m", "15m", "1h", "1d"}

var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"1d":  24 * time.Hour,
}

// ParseInterval resolves a bucket width name.
func ParseInterval(interval string) (time.Duration, error) {
	d, ok := intervalDurations[interval]
	if !ok {
		return 0, utils.NewConfigurationError("interval", interval, Intervals)
	}
	return d, nil
}

// QueryMetrics lists matching metrics, newest first.
func (s *Service) QueryMetrics(ctx context.Context, filter models.MetricFilter) ([]models.TelemetryMetric, error) {
	defer s.observe("query_metrics", time.Now())
	filter.Limit = s.Limit(filter.Limit)
	out, err := s.reader.ListMetrics(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	return out, nil
}

func (s *Service) metricValues(ctx context.Context, name string, filter models.MetricFilter) ([]models.TelemetryMetric, error) {
	if name != "" {
		filter.MetricName = name
	}
	filter.Limit = 0
	out, err := s.reader.ListMetrics(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list metrics %s: %w", name, err)
	}
	return out, nil
}

// MetricAggregation aggregates every sample of name matching filter.
func (s *Service) MetricAggregation(ctx context.Context, name, aggregation string, filter models.MetricFilter) (MetricAggregation, error) {
	defer s.observe("metric_aggregation", time.Now())
	if !validAggregation(aggregation) {
		return MetricAggregation{}, utils.NewConfigurationError("aggregation", aggregation, Aggregations)
	}
	samples, err := s.metricValues(ctx, name, filter)
	if err != nil {
		return MetricAggregation{}, err
	}
	values := make([]float64, len(samples))
	for i, m := range samples {
		values[i] = m.Value
	}
	return Aggregate(name, aggregation, values)
}

func validAggregation(kind string) bool {
	for _, a := range Aggregations {
		if a == kind {
			return true
		}
	}
	return false
}

// Aggregate applies one aggregation kind to values.
func Aggregate(name, aggregation string, values []float64) (MetricAggregation, error) {
	res := MetricAggregation{MetricName: name, Aggregation: aggregation, Count: len(values)}
	switch aggregation {
	case AggCount:
		n := float64(len(values))
		res.Value = &n
	case AggSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		res.Value = &sum
	case AggAvg:
		if len(values) > 0 {
			sum := 0.0
			for _, v := range values {
				sum += v
			}
			avg := sum / float64(len(values))
			res.Value = &avg
		}
	case AggMin, AggMax:
		if len(values) > 0 {
			v := values[0]
			for _, x := range values[1:] {
				if aggregation == AggMin {
					v = math.Min(v, x)
				} else {
					v = math.Max(v, x)
				}
			}
			res.Value = &v
		}
	case AggPercentiles:
		res.Percentiles = map[string]float64{}
		if len(values) > 0 {
			sorted := append([]float64(nil), values...)
			sort.Float64s(sorted)
			for _, p := range ReportedPercentiles {
				res.Percentiles[fmt.Sprintf("p%g", p)] = utils.PercentileSorted(sorted, p)
			}
		}
	default:
		return MetricAggregation{}, utils.NewConfigurationError("aggregation", aggregation, Aggregations)
	}
	return res, nil
}

// MetricTimeSeries buckets the samples of name by interval, oldest bucket
// first.
func (s *Service) MetricTimeSeries(ctx context.Context, name, interval string, filter models.MetricFilter) ([]TimeSeriesPoint, error) {
	defer s.observe("metric_time_series", time.Now())
	width, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	samples, err := s.metricValues(ctx, name, filter)
	if err != nil {
		return nil, err
	}
	return Bucket(samples, width), nil
}

// Bucket groups samples into interval-aligned buckets.
func Bucket(samples []models.TelemetryMetric, width time.Duration) []TimeSeriesPoint {
	byBucket := make(map[time.Time]*TimeSeriesPoint)
	sums := make(map[time.Time]float64)
	for _, m := range samples {
		b := utils.FloorTime(m.Timestamp, width)
		p, ok := byBucket[b]
		if !ok {
			p = &TimeSeriesPoint{Bucket: b, Min: m.Value, Max: m.Value}
			byBucket[b] = p
		}
		p.Count++
		p.Min = math.Min(p.Min, m.Value)
		p.Max = math.Max(p.Max, m.Value)
		sums[b] += m.Value
	}

	out := make([]TimeSeriesPoint, 0, len(byBucket))
	for b, p := range byBucket {
		p.Avg = sums[b] / float64(p.Count)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}

// DetectMetricAnomalies scores each bucket average of name against the
// series mean and flags buckets whose z-score magnitude reaches threshold
// (default 2.5).
func (s *Service) DetectMetricAnomalies(ctx context.Context, name, interval string, threshold float64, filter models.MetricFilter) ([]MetricAnomaly, error) {
	defer s.observe("metric_anomalies", time.Now())
	series, err := s.MetricTimeSeries(ctx, name, interval, filter)
	if err != nil {
		return nil, err
	}
	return DetectAnomalies(series, threshold), nil
}

// DetectAnomalies runs the z-score scan over a bucketed series.
func DetectAnomalies(series []TimeSeriesPoint, threshold float64) []MetricAnomaly {
	if len(series) == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = 2.5
	}

	mean := 0.0
	for _, p := range series {
		mean += p.Avg
	}
	mean /= float64(len(series))

	variance := 0.0
	for _, p := range series {
		variance += math.Pow(p.Avg-mean, 2)
	}
	variance /= float64(len(series))
	stdDev := math.Sqrt(variance)
	if stdDev == 0 {
		return nil
	}

	anomalies := make([]MetricAnomaly, 0)
	for _, p := range series {
		score := (p.Avg - mean) / stdDev
		if math.Abs(score) >= threshold {
			anomalies = append(anomalies, MetricAnomaly{
				Bucket:    p.Bucket,
				Value:     p.Avg,
				Score:     score,
				Threshold: threshold,
			})
		}
	}
	return anomalies
}
