package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-telemetry/internal/cache"
	"github.com/miradorstack/mirador-telemetry/internal/config"
	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/query"
	"github.com/miradorstack/mirador-telemetry/internal/store"
	"github.com/miradorstack/mirador-telemetry/internal/store/backends"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

// opener returns the store a report reads from.
type opener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error)

type app struct {
	out  io.Writer
	open opener
	now  func() time.Time

	configPath string
	timeRange  string
	since      string
	until      string
	component  string
	limit      int
	text       bool
}

func newApp(out io.Writer) *app {
	return &app{
		out: out,
		open: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
			return backends.Open(ctx, cfg.Storage, logger)
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "telemetry-report",
		Short:         "Query persisted telemetry",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to configuration file")
	flags.StringVar(&a.timeRange, "range", "", "Relative window: 1h, 24h, 7d or 30d")
	flags.StringVar(&a.since, "since", "", "Window start (RFC3339)")
	flags.StringVar(&a.until, "until", "", "Window end (RFC3339)")
	flags.StringVar(&a.component, "component", "", "Only records of this component")
	flags.IntVar(&a.limit, "limit", 0, "Maximum records to return")
	flags.BoolVar(&a.text, "text", false, "Print event listings as text lines instead of JSON")

	root.AddCommand(
		a.eventsCmd(),
		a.timelineCmd(),
		a.chainCmd(),
		a.statsCmd(),
		a.metricsCmd(),
		a.healthCmd(),
		a.performanceCmd(),
		a.exportCmd(),
	)
	return root
}

// withService loads config, opens the store and runs fn against a query
// service over it.
func (a *app) withService(ctx context.Context, fn func(context.Context, *query.Service) error) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

	st, err := a.open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	provider := cache.New(cfg.Cache, logger)
	defer provider.Close()

	return fn(ctx, query.New(st, cfg.Query, provider, logger, query.WithClock(a.now)))
}

func (a *app) window() (models.TimeRange, error) {
	if a.since == "" && a.until == "" {
		return query.ParseTimeRange(a.timeRange, a.now())
	}
	var tr models.TimeRange
	var err error
	if a.since != "" {
		if tr.Start, err = utils.ParseRFC3339(a.since); err != nil {
			return models.TimeRange{}, fmt.Errorf("--since: %w", err)
		}
	}
	if a.until != "" {
		if tr.End, err = utils.ParseRFC3339(a.until); err != nil {
			return models.TimeRange{}, fmt.Errorf("--until: %w", err)
		}
	}
	return tr, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printEvents(events []models.TelemetryEvent) error {
	if !a.text {
		if events == nil {
			events = []models.TelemetryEvent{}
		}
		return a.printJSON(events)
	}
	for _, ev := range events {
		if _, err := fmt.Fprintf(a.out, "%s %-8s %-16s %-24s %s\n",
			ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Level, ev.Component, ev.EventName, ev.Message); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) eventFilter(f *models.EventFilter) error {
	tr, err := a.window()
	if err != nil {
		return err
	}
	f.TimeRange = tr
	f.Component = a.component
	f.Limit = a.limit
	if f.Level != "" {
		level, ok := models.ParseLevel(string(f.Level))
		if !ok {
			levels := make([]string, len(models.Levels))
			for i, l := range models.Levels {
				levels[i] = string(l)
			}
			return utils.NewConfigurationError("level", string(f.Level), levels)
		}
		f.Level = level
	}
	return nil
}

func (a *app) eventsCmd() *cobra.Command {
	var f models.EventFilter
	var level string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Level = models.Level(level)
			if err := a.eventFilter(&f); err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *query.Service) error {
				events, err := svc.QueryEvents(ctx, f)
				if err != nil {
					return err
				}
				return a.printEvents(events)
			})
		},
	}
	cmd.Flags().StringVar(&f.CorrelationID, "correlation", "", "Only events of this correlation id")
	cmd.Flags().StringVar(&f.EventType, "type", "", "Only events of this type")
	cmd.Flags().StringVar(&level, "level", "", "Only events of this level")
	cmd.Flags().StringVar(&f.Search, "search", "", "Case-insensitive message search")
	cmd.Flags().BoolVar(&f.Ascending, "ascending", false, "Oldest first")
	return cmd
}

func (a *app) timelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <correlation-id>",
		Short: "Print every event of a correlation id in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(ctx context.Context, svc *query.Service) error {
				events, err := svc.EventsByCorrelation(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printEvents(events)
			})
		},
	}
}

func (a *app) chainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain [chain-id]",
		Short: "Analyse one correlation chain, or summarise the last 24 hours",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *query.Service) error {
				analysis, err := svc.CorrelationChainAnalysis(ctx, id)
				if err != nil {
					return err
				}
				return a.printJSON(analysis)
			})
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	var f models.EventFilter
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count events by type, level and component",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.eventFilter(&f); err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *query.Service) error {
				stats, err := svc.EventStatistics(ctx, f)
				if err != nil {
					return err
				}
				return a.printJSON(stats)
			})
		},
	}
	cmd.Flags().StringVar(&f.EventType, "type", "", "Only events of this type")
	return cmd
}

func (a *app) metricFilter() (models.MetricFilter, error) {
	tr, err := a.window()
	if err != nil {
		return models.MetricFilter{}, err
	}
	return models.MetricFilter{Component: a.component, TimeRange: tr, Limit: a.limit}, nil
}

func (a *app) metricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Aggregate and bucket metric samples",
	}

	var aggregation string
	agg := &cobra.Command{
		Use:   "agg <metric-name>",
		Short: "Aggregate one metric",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.metricFilter()
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *query.Service) error {
				res, err := svc.MetricAggregation(ctx, args[0], aggregation, f)
				if err != nil {
					return err
				}
				return a.printJSON(res)
			})
		},
	}
	agg.Flags().StringVar(&aggregation, "aggregation", query.AggAvg, "avg, sum, min, max, count or percentiles")

	var interval string
	var threshold float64
	series := &cobra.Command{
		Use:   "series <metric-name>",
		Short: "Bucket one metric by interval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := a.metricFilter()
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *query.Service) error {
				points, err := svc.MetricTimeSeries(ctx, args[0], interval, f)
				if err != nil {
					return err
				}
				out := map[string]any{"metric_name": args[0], "interval": interval, "points": points}
				if threshold > 0 {
					out["anomalies"] = query.DetectAnomalies(points, threshold)
				}
				return a.printJSON(out)
			})
		},
	}
	series.Flags().StringVar(&interval, "interval", "5m", "Bucket width: 1m, 5m, 15m, 1h or 1d")
	series.Flags().Float64Var(&threshold, "anomaly-threshold", 0, "Flag buckets whose z-score reaches this value")

	cmd.AddCommand(agg, series)
	return cmd
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Summarise stored health checks by component",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tr, err := a.window()
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *query.Service) error {
				report, err := svc.HealthStatus(ctx, models.HealthFilter{Component: a.component, TimeRange: tr})
				if err != nil {
					return err
				}
				return a.printJSON(report)
			})
		},
	}
}

func (a *app) performanceCmd() *cobra.Command {
	var operation string
	cmd := &cobra.Command{
		Use:   "performance",
		Short: "Summarise performance snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tr, err := a.window()
			if err != nil {
				return err
			}
			f := models.PerformanceFilter{Component: a.component, Operation: operation, TimeRange: tr}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *query.Service) error {
				report, err := svc.PerformanceAnalysis(ctx, f)
				if err != nil {
					return err
				}
				return a.printJSON(report)
			})
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "Only snapshots of this operation")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var f models.EventFilter
	var format, output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export events as json or csv",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.eventFilter(&f); err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(ctx context.Context, svc *query.Service) error {
				w := a.out
				if output != "" && output != "-" {
					file, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("create %s: %w", output, err)
					}
					defer file.Close()
					w = file
				}
				return svc.Export(ctx, f, format, w)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", query.FormatJSON, "json or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	cmd.Flags().StringVar(&f.EventType, "type", "", "Only events of this type")
	return cmd
}
