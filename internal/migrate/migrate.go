// Package migrate applies schema migrations before the server starts.
// A migration runs once per startup and is never retried.
package migrate

import (
	"context"
	"fmt"
)

// Migrator brings the database schema up to date.
type Migrator interface {
	Name() string
	Migrate(ctx context.Context) error
}

// FatalError is returned for any migration failure. The orchestrator aborts
// startup on it.
type FatalError struct {
	Migrator string
	// ExitCode is the migration tool's exit status, 127 when it could not be
	// started and 1 for failures inside the embedded runner.
	ExitCode int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("migration %s failed (exit code %d): %v", e.Migrator, e.ExitCode, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Noop skips migrations.
type Noop struct{}

func (Noop) Name() string                  { return "none" }
func (Noop) Migrate(context.Context) error { return nil }
