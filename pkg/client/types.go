package client

import (
	"fmt"
	"time"
)

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// ChildStatus describes the supervised server process.
type ChildStatus struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   string    `json:"exit_error,omitempty"`
}

// Status is the orchestrator snapshot served on /status.
type Status struct {
	RunID         string       `json:"run_id"`
	State         string       `json:"state"`
	StartedAt     time.Time    `json:"started_at"`
	ProbeAttempts int          `json:"probe_attempts"`
	Migrator      string       `json:"migrator,omitempty"`
	Migrated      bool         `json:"migrated"`
	Child         *ChildStatus `json:"child,omitempty"`
	ExitCode      *int         `json:"exit_code,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// StatusError is returned for a non-200 answer.
type StatusError struct {
	Code  int
	State string
}

func (e *StatusError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("HTTP %d (state %s)", e.Code, e.State)
	}
	return fmt.Sprintf("HTTP %d", e.Code)
}
