package models

import (
	"strings"
	"time"
)

// Level is the severity of a telemetry event.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Levels lists every accepted level.
var Levels = []Level{LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical}

// ParseLevel normalises a level name, reporting false for unknown values.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	case "critical", "fatal":
		return LevelCritical, true
	default:
		return "", false
	}
}

// IsError reports whether the level counts towards error rates.
func (l Level) IsError() bool {
	return l == LevelError || l == LevelCritical
}

// TelemetryEvent is the canonical event record.
type TelemetryEvent struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	EventType     string    `json:"event_type"`
	EventName     string    `json:"event_name"`
	Timestamp     time.Time `json:"timestamp"`
	Component     string    `json:"component"`
	Operation     string    `json:"operation,omitempty"`
	Metadata      Fields    `json:"metadata"`
	Context       Fields    `json:"context"`
	Performance   Fields    `json:"performance"`
	Message       string    `json:"message,omitempty"`
	Level         Level     `json:"level"`
	// Sequence is the ingestion order assigned by the sink; it breaks
	// timestamp ties between events that share a correlation id.
	Sequence int64 `json:"sequence"`
}

// Before orders events chronologically by (timestamp, sequence).
func (e TelemetryEvent) Before(other TelemetryEvent) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.Sequence < other.Sequence
	}
	return e.Timestamp.Before(other.Timestamp)
}
