package migrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aravindas4/entrypoint/internal/process"
)

// DefaultCommand is the migration tool invoked when none is configured.
const DefaultCommand = "alembic upgrade head"

const defaultStopTimeout = 10 * time.Second

// CommandMigrator runs an external migration tool to completion.
type CommandMigrator struct {
	Spec process.Spec
	// Env is the full environment of the tool; nil inherits ours.
	Env            []string
	Stdout, Stderr io.Writer
	// StopTimeout bounds how long the tool may run after ctx is cancelled.
	StopTimeout time.Duration
	Log         *slog.Logger
}

func (m *CommandMigrator) Name() string {
	if m.Spec.Name != "" {
		return m.Spec.Name
	}
	return "command"
}

func (m *CommandMigrator) Migrate(ctx context.Context) error {
	spec := m.Spec
	if spec.Name == "" {
		spec.Name = m.Name()
	}
	if spec.Command == "" {
		spec.Command = DefaultCommand
	}
	if err := spec.Validate(); err != nil {
		return &FatalError{Migrator: spec.Name, ExitCode: 1, Err: err}
	}
	log := m.logger().With("migrator", spec.Name)

	p := process.New(spec)
	if err := p.Start(m.Env, valOr(m.Stdout, os.Stdout), valOr(m.Stderr, os.Stderr)); err != nil {
		return &FatalError{Migrator: spec.Name, ExitCode: 127, Err: err}
	}
	log.Info("Migration started", "command", spec.Command, "pid", p.PID())

	start := time.Now()
	select {
	case <-p.Done():
	case <-ctx.Done():
		log.Warn("Migration interrupted, stopping tool", "pid", p.PID())
		_ = p.Stop(m.stopTimeout())
		return fmt.Errorf("migration %s interrupted: %w", spec.Name, ctx.Err())
	}

	err := p.Wait()
	if code := process.ExitCode(err); code != 0 {
		return &FatalError{Migrator: spec.Name, ExitCode: code, Err: err}
	}
	log.Info("Migration completed", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

func (m *CommandMigrator) stopTimeout() time.Duration {
	if m.StopTimeout > 0 {
		return m.StopTimeout
	}
	return defaultStopTimeout
}

func (m *CommandMigrator) logger() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

func valOr(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
