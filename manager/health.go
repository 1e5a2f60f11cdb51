package manager

import "time"

// Status is the cached assessment of whether a server is currently usable.
type Status string

const (
	// StatusUnknown means no exchange has been confirmed yet.
	StatusUnknown Status = "unknown"
	// StatusHealthy means the last exchange with the worker succeeded.
	StatusHealthy Status = "healthy"
	// StatusDegraded means the last execute failed after exhausting retries.
	// Degraded servers are still attempted.
	StatusDegraded Status = "degraded"
	// StatusUnavailable short-circuits execute entirely until a probe or an
	// explicit recovery confirms the worker again.
	StatusUnavailable Status = "unavailable"
)

// HealthRecord is the per-server health snapshot. Status only becomes
// healthy on a confirmed successful exchange, never optimistically.
type HealthRecord struct {
	ServerID     string        `json:"serverId"`
	Status       Status        `json:"status"`
	LastCheck    time.Time     `json:"lastCheck"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
}
