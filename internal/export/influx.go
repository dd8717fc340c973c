// Package export mirrors persisted metrics to external time-series stores.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/models"
)

const defaultMeasurement = "telemetry_metrics"

// InfluxMirror writes metric batches to InfluxDB after they persist. It
// satisfies sink.MetricForwarder.
type InfluxMirror struct {
	client      influxdb2.Client
	writer      api.WriteAPIBlocking
	measurement string
	logger      *slog.Logger
}

// NewInfluxMirror connects to InfluxDB and checks its health.
func NewInfluxMirror(ctx context.Context, cfg config.InfluxConfig, logger *slog.Logger) (*InfluxMirror, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx url is required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influx unhealthy: %s", health.Status)
	}
	m := NewInfluxMirrorWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement, logger)
	m.client = client
	return m, nil
}

// NewInfluxMirrorWithWriter wraps an existing write API.
func NewInfluxMirrorWithWriter(w api.WriteAPIBlocking, measurement string, logger *slog.Logger) *InfluxMirror {
	if logger == nil {
		logger = slog.Default()
	}
	if measurement == "" {
		measurement = defaultMeasurement
	}
	return &InfluxMirror{writer: w, measurement: measurement, logger: logger.With("component", "influx_mirror")}
}

// ForwardMetrics writes one point per metric. Labels become tags alongside
// metric_name, component and metric_type.
func (m *InfluxMirror) ForwardMetrics(ctx context.Context, batch []models.TelemetryMetric) error {
	if len(batch) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(batch))
	for _, metric := range batch {
		points = append(points, m.point(metric))
	}
	start := time.Now()
	if err := m.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}
	m.logger.Debug("mirrored metrics", slog.Int("points", len(points)), slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (m *InfluxMirror) point(metric models.TelemetryMetric) *write.Point {
	tags := make(map[string]string, len(metric.Labels)+3)
	for k, v := range metric.Labels {
		tags[k] = v
	}
	tags["metric_name"] = metric.MetricName
	tags["component"] = metric.Component
	tags["metric_type"] = string(metric.MetricType)
	if metric.AggregationPeriod != "" {
		tags["aggregation_period"] = metric.AggregationPeriod
	}
	return influxdb2.NewPoint(m.measurement, tags, map[string]interface{}{"value": metric.Value}, metric.Timestamp)
}

// Close releases the client when the mirror owns it.
func (m *InfluxMirror) Close() {
	if m.client != nil {
		m.client.Close()
	}
}
