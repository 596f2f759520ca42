// Package health provides health status reporting for rig resources and
// the experiment runtime.
package health

import (
	"time"
)

// Health state constants
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status represents the health state of a component or the whole rig
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related metrics
type Metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ErrorCount        int           `json:"error_count"`
	MessagesProcessed int64         `json:"messages_processed,omitempty"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

// NewHealthy creates a healthy status for a component
func NewHealthy(component string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StateHealthy,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a degraded status with a message
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    StateDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates an unhealthy status with a message
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    StateUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StateHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StateDegraded
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// Aggregate rolls up sub-statuses into a parent status: unhealthy if any
// sub-status is unhealthy, degraded if any is degraded, healthy otherwise.
func Aggregate(component string, subs ...Status) Status {
	parent := NewHealthy(component)
	for _, sub := range subs {
		parent = parent.WithSubStatus(sub)
		switch {
		case sub.Status == StateUnhealthy:
			parent.Healthy = false
			parent.Status = StateUnhealthy
			parent.Message = sub.Component + ": " + sub.Message
		case sub.Status == StateDegraded && parent.Status == StateHealthy:
			parent.Healthy = false
			parent.Status = StateDegraded
			parent.Message = sub.Component + ": " + sub.Message
		}
	}
	return parent
}
