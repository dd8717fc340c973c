package query

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-telemetry/internal/models"
	"github.com/miradorstack/mirador-telemetry/internal/utils"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ExportFormats lists the accepted export formats.
var ExportFormats = []string{FormatJSON, FormatCSV}

// CSVHeader is the fixed column order of CSV exports.
var CSVHeader = []string{"id", "correlation_id", "timestamp", "event_type", "event_name", "component", "operation", "level", "message", "metadata"}

// Export writes the filtered events to w. The limit defaults to the
// configured maximum.
func (s *Service) Export(ctx context.Context, filter models.EventFilter, format string, w io.Writer) error {
	defer s.observe("export", time.Now())
	if format != FormatJSON && format != FormatCSV {
		return utils.NewConfigurationError("export format", format, ExportFormats)
	}
	if filter.Limit <= 0 {
		filter.Limit = s.cfg.MaxLimit
	}
	filter.Limit = s.Limit(filter.Limit)
	events, err := s.reader.ListEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("export events: %w", err)
	}
	if format == FormatJSON {
		return writeJSON(w, events)
	}
	return writeCSV(w, events)
}

// ExportBytes is Export into memory.
func (s *Service) ExportBytes(ctx context.Context, filter models.EventFilter, format string) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Export(ctx, filter, format, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w io.Writer, events []models.TelemetryEvent) error {
	if events == nil {
		events = []models.TelemetryEvent{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		return fmt.Errorf("encode json export: %w", err)
	}
	return nil
}

func writeCSV(w io.Writer, events []models.TelemetryEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, ev := range events {
		meta := ev.Metadata
		if meta == nil {
			meta = models.Fields{}
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encode metadata of %s: %w", ev.ID, err)
		}
		row := []string{
			ev.ID,
			ev.CorrelationID,
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			ev.EventType,
			ev.EventName,
			ev.Component,
			ev.Operation,
			string(ev.Level),
			ev.Message,
			string(metaJSON),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", strconv.Quote(ev.ID), err)
		}
	}
	cw.Flush()
	return cw.Error()
}
