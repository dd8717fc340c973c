package models

import "time"

// HealthStatus is the hysteresis-filtered status of a component.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckRecord captures the outcome of one probe.
type HealthCheckRecord struct {
	ID             string    `json:"id"`
	Component      string    `json:"component"`
	CheckName      string    `json:"check_name"`
	IsHealthy      bool      `json:"is_healthy"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	ResponseTimeMS *float64  `json:"response_time_ms,omitempty"`
	Metadata       Fields    `json:"metadata"`
	CheckedAt      time.Time `json:"checked_at"`
}

// ComponentHealthState is the in-memory hysteresis state for a component.
// At most one of the two counters is non-zero.
type ComponentHealthState struct {
	Component            string       `json:"component"`
	ConsecutiveFailures  int          `json:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes"`
	LastCheck            *time.Time   `json:"last_check,omitempty"`
	CurrentStatus        HealthStatus `json:"current_status"`
	LastError            string       `json:"last_error,omitempty"`
}
