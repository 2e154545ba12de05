// Package lifecycle defines the contract every managed review-gate subsystem
// implements: a small state machine, a liveness flag, and an optional health
// and metrics surface read by the orchestrator's monitor.
package lifecycle

import (
	"context"
	"time"
)

// State is the lifecycle state of a managed service.
type State string

// Lifecycle states. Error is a side state reachable from Initializing and
// Active; a service leaves it only through Disposing (restart) or Disposed.
const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateActive        State = "active"
	StateDisposing     State = "disposing"
	StateDisposed      State = "disposed"
	StateError         State = "error"
)

// transitions lists the legal next states for each state.
var transitions = map[State][]State{ //nolint:gochecknoglobals // immutable table
	StateUninitialized: {StateInitializing, StateDisposed},
	StateInitializing:  {StateActive, StateError},
	StateActive:        {StateDisposing, StateError},
	StateDisposing:     {StateDisposed, StateError},
	StateDisposed:      {StateInitializing},
	StateError:         {StateDisposing, StateDisposed, StateInitializing},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the service holds no live resources in state s.
func (s State) Terminal() bool {
	return s == StateDisposed || s == StateUninitialized
}

// String implements fmt.Stringer.
func (s State) String() string { return string(s) }

// Service is implemented by every subsystem the orchestrator manages.
type Service interface {
	// Initialize acquires resources and starts background work. It is
	// called exactly once per constructed instance.
	Initialize(ctx context.Context) error
	// Dispose releases everything Initialize acquired.
	Dispose(ctx context.Context) error
	// IsActive is the liveness flag read by the health monitor.
	IsActive() bool
}

// MetricsReporter is optionally implemented by services that expose a
// metrics snapshot for health checks.
type MetricsReporter interface {
	Metrics() map[string]any
}

// HealthChecker is optionally implemented by services with a deeper probe
// than the liveness flag. A returned error marks the service unhealthy.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthStatus summarizes a health check outcome.
type HealthStatus string

// Health statuses.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthCheck is the most recent health observation for one service.
type HealthCheck struct {
	Status    HealthStatus   `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}
