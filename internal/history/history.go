package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of startup event.
type EventType string

const (
	EventTransition  EventType = "transition"
	EventProbeFailed EventType = "probe_failed"
	EventMigrated    EventType = "migrated"
	EventChildStart  EventType = "child_start"
	EventChildExit   EventType = "child_exit"
	EventSignal      EventType = "signal"
)

// DefaultTable is the table startup events are written to.
const DefaultTable = "startup_history"

// Event is one entry of the startup audit trail.
type Event struct {
	RunID      string    `json:"run_id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const sendTimeout = 3 * time.Second

// Recorder stamps events with the run id and sends them to Sink. Failures are
// logged and never returned: history must not affect startup.
type Recorder struct {
	Sink  Sink
	RunID string
	Log   *slog.Logger
}

// Record sends e. A nil Recorder or Sink drops the event.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || r.Sink == nil {
		return
	}
	if e.RunID == "" {
		e.RunID = r.RunID
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if err := r.Sink.Send(ctx, e); err != nil {
		log := r.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("Failed to record startup history", "event", string(e.Type), "error", err)
	}
}
