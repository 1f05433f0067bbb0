package types

import (
	"sync/atomic"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Stats tracks gateway statistics.
// All counters are updated with atomic operations.
type Stats struct {
	TotalConnections   atomic.Int64
	CurrentConnections atomic.Int64
	MessagesReceived   atomic.Int64
	MessagesDelivered  atomic.Int64
	DeliveryFailures   atomic.Int64
	AdmissionRejected  atomic.Int64
	AuthRejected       atomic.Int64
	StartTime          time.Time
}

// NewStats returns a zeroed Stats with StartTime set.
func NewStats() *Stats {
	return &Stats{StartTime: time.Now()}
}

// Snapshot returns a plain map suitable for the health endpoint.
func (s *Stats) Snapshot() map[string]any {
	return map[string]any{
		"total_connections":   s.TotalConnections.Load(),
		"current_connections": s.CurrentConnections.Load(),
		"messages_received":   s.MessagesReceived.Load(),
		"messages_delivered":  s.MessagesDelivered.Load(),
		"delivery_failures":   s.DeliveryFailures.Load(),
		"admission_rejected":  s.AdmissionRejected.Load(),
		"auth_rejected":       s.AuthRejected.Load(),
		"uptime_seconds":      int64(time.Since(s.StartTime).Seconds()),
	}
}
