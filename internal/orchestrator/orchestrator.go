// Package orchestrator drives a container from start to serving and back:
// wait for the database, migrate once, launch the server, supervise it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aravindas4/entrypoint/internal/database"
	"github.com/aravindas4/entrypoint/internal/env"
	"github.com/aravindas4/entrypoint/internal/history"
	"github.com/aravindas4/entrypoint/internal/metrics"
	"github.com/aravindas4/entrypoint/internal/migrate"
	"github.com/aravindas4/entrypoint/internal/process"
	"github.com/aravindas4/entrypoint/internal/retry"
	"github.com/aravindas4/entrypoint/internal/supervisor"
)

// Exit codes returned by Run besides the child's own.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// Config holds what the orchestrator needs to know about the server child.
type Config struct {
	Retry           retry.Policy
	ShutdownTimeout time.Duration
	// Server.Command may reference ${HOST}, ${PORT} and ${LOG_LEVEL}.
	Server   process.Spec
	Host     string
	Port     int
	LogLevel string
	// Env is the base environment of the server child; nil inherits ours.
	Env *env.Env
}

// Orchestrator runs the startup sequence once. Exported fields are optional
// and must be set before Run.
type Orchestrator struct {
	cfg      Config
	prober   database.Prober
	migrator migrate.Migrator

	Log            *slog.Logger
	Stdout, Stderr io.Writer
	History        *history.Recorder
	Sampler        *metrics.ChildSampler

	runID string

	mu    sync.RWMutex
	state State
	snap  Snapshot
}

// Snapshot is a read-only copy of the orchestrator's progress.
type Snapshot struct {
	RunID         string                  `json:"run_id"`
	State         string                  `json:"state"`
	StartedAt     time.Time               `json:"started_at"`
	ProbeAttempts int                     `json:"probe_attempts"`
	Migrator      string                  `json:"migrator,omitempty"`
	Migrated      bool                    `json:"migrated"`
	Child         *process.Status         `json:"child,omitempty"`
	ChildUsage    *metrics.ProcessMetrics `json:"child_usage,omitempty"`
	ExitCode      *int                    `json:"exit_code,omitempty"`
	LastError     string                  `json:"last_error,omitempty"`

	child *process.Process
}

func New(cfg Config, prober database.Prober, migrator migrate.Migrator) *Orchestrator {
	if migrator == nil {
		migrator = migrate.Noop{}
	}
	if cfg.Env == nil {
		cfg.Env = env.New()
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	id := uuid.NewString()
	return &Orchestrator{
		cfg:      cfg,
		prober:   prober,
		migrator: migrator,
		runID:    id,
		snap:     Snapshot{RunID: id, State: Init.String(), StartedAt: time.Now()},
	}
}

// RunID identifies this startup in logs and history.
func (o *Orchestrator) RunID() string { return o.runID }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Snapshot returns a copy of the current progress, including the child's
// live status while it runs.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	s := o.snap
	o.mu.RUnlock()
	if s.child != nil {
		st := s.child.Snapshot()
		s.Child = &st
	}
	if o.Sampler != nil {
		s.ChildUsage = o.Sampler.Last()
	}
	s.child = nil
	return s
}

func (o *Orchestrator) transition(ctx context.Context, next State) error {
	o.mu.Lock()
	from := o.state
	if !from.CanTransition(next) {
		o.mu.Unlock()
		return &TransitionError{From: from, To: next}
	}
	o.state = next
	o.snap.State = next.String()
	o.mu.Unlock()

	o.logger().Debug("State transition", "from", from.String(), "to", next.String())
	metrics.RecordStateTransition(from.String(), next.String())
	o.History.Record(ctx, history.Event{Type: history.EventTransition, FromState: from.String(), ToState: next.String()})
	return nil
}

// terminate moves to Terminated after a failed or interrupted step and
// records err as the last error.
func (o *Orchestrator) terminate(ctx context.Context, err error) {
	o.mu.Lock()
	if err != nil {
		o.snap.LastError = err.Error()
	}
	o.mu.Unlock()
	if terr := o.transition(ctx, Terminated); terr != nil {
		o.logger().Debug("Already terminated", "error", terr)
	}
}

// ProbeDatabase waits until the database accepts a connection, retrying
// under the configured policy. Exhausting the policy is fatal.
func (o *Orchestrator) ProbeDatabase(ctx context.Context) error {
	if err := o.transition(ctx, ProbingDB); err != nil {
		return err
	}
	log := o.logger()
	policy := o.cfg.Retry
	start := time.Now()

	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		err := o.prober.Probe(ctx)
		metrics.IncProbeAttempt(err == nil)
		o.mu.Lock()
		o.snap.ProbeAttempts = attempt
		o.mu.Unlock()
		var cfgErr *database.ConfigError
		if errors.As(err, &cfgErr) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		if ctx.Err() != nil {
			return
		}
		log.Warn("Database not ready",
			"attempt", attempt, "max_attempts", policy.MaxAttempts, "retry_in", next, "error", err)
		o.History.Record(ctx, history.Event{Type: history.EventProbeFailed, Attempt: attempt, Error: err.Error()})
	})
	metrics.ObserveProbeDuration(time.Since(start).Seconds())

	switch {
	case err == nil:
		log.Info("Database is reachable", "attempts", attempts, "retries", attempts-1)
		return nil
	case ctx.Err() != nil:
		o.terminate(ctx, err)
		return fmt.Errorf("database probe interrupted: %w", err)
	default:
		log.Error("Database unreachable, giving up", "attempts", attempts, "error", err)
		o.terminate(ctx, err)
		return err
	}
}

// ApplyMigrations runs the migrator exactly once. Any failure is fatal.
func (o *Orchestrator) ApplyMigrations(ctx context.Context) error {
	if err := o.transition(ctx, Migrating); err != nil {
		return err
	}
	log := o.logger()
	name := o.migrator.Name()
	o.mu.Lock()
	o.snap.Migrator = name
	o.mu.Unlock()

	log.Info("Applying migrations", "migrator", name)
	start := time.Now()
	err := o.migrator.Migrate(ctx)
	metrics.ObserveMigration(name, err == nil, time.Since(start).Seconds())

	switch {
	case err == nil:
		o.mu.Lock()
		o.snap.Migrated = true
		o.mu.Unlock()
		o.History.Record(ctx, history.Event{Type: history.EventMigrated})
		log.Info("Migrations applied", "migrator", name, "duration", time.Since(start).Round(time.Millisecond))
		return nil
	case ctx.Err() != nil:
		o.terminate(ctx, err)
		return err
	default:
		attrs := []any{"migrator", name, "error", err}
		var fe *migrate.FatalError
		if errors.As(err, &fe) {
			attrs = append(attrs, "exit_code", fe.ExitCode)
		}
		log.Error("Migration failed", attrs...)
		o.History.Record(ctx, history.Event{Type: history.EventMigrated, ExitCode: ExitFailure, Error: err.Error()})
		o.terminate(ctx, err)
		return err
	}
}

// LaunchServer starts the server child bound to the configured address.
func (o *Orchestrator) LaunchServer(ctx context.Context) (*process.Process, error) {
	if err := ctx.Err(); err != nil {
		o.terminate(ctx, err)
		return nil, err
	}
	if o.State() != Migrating {
		return nil, &TransitionError{From: o.State(), To: Serving}
	}
	log := o.logger()

	childEnv := o.cfg.Env.
		WithSet("HOST", o.cfg.Host).
		WithSet("PORT", strconv.Itoa(o.cfg.Port)).
		WithSet("LOG_LEVEL", o.cfg.LogLevel)
	spec := o.cfg.Server
	if spec.Name == "" {
		spec.Name = "server"
	}
	spec.Command = childEnv.Expand(spec.Command, nil)
	if err := spec.Validate(); err != nil {
		log.Error("Invalid server command", "error", err)
		o.terminate(ctx, err)
		return nil, err
	}

	child := process.New(spec)
	if err := child.Start(childEnv.Merge(nil), valOr(o.Stdout, os.Stdout), valOr(o.Stderr, os.Stderr)); err != nil {
		log.Error("Failed to launch server", "command", spec.Command, "error", err)
		o.terminate(ctx, err)
		return nil, err
	}

	o.mu.Lock()
	o.snap.child = child
	o.mu.Unlock()
	if err := o.transition(ctx, Serving); err != nil {
		_ = child.Stop(o.cfg.ShutdownTimeout)
		return nil, err
	}
	metrics.IncChildStart(spec.Name)
	o.History.Record(ctx, history.Event{Type: history.EventChildStart, PID: child.PID()})
	if o.Sampler != nil {
		o.Sampler.Start(context.WithoutCancel(ctx), int32(child.PID()))
	}
	log.Info("Server launched", "command", spec.Command, "pid", child.PID(),
		"host", o.cfg.Host, "port", o.cfg.Port, "log_level", o.cfg.LogLevel)
	return child, nil
}

// AwaitTermination supervises child until it exits and returns the exit code
// to terminate with.
func (o *Orchestrator) AwaitTermination(ctx context.Context, child *process.Process, signals <-chan os.Signal) int {
	return o.awaitTermination(ctx, child, nil, signals)
}

func (o *Orchestrator) awaitTermination(ctx context.Context, child *process.Process, pending os.Signal, signals <-chan os.Signal) int {
	sup := &supervisor.Supervisor{
		ShutdownTimeout: o.cfg.ShutdownTimeout,
		Log:             o.logger().With("child", child.Spec().Name),
		OnShutdown: func(os.Signal) {
			if err := o.transition(ctx, ShuttingDown); err != nil {
				o.logger().Warn("Unexpected shutdown request", "error", err)
			}
		},
		OnSignal: func(sig os.Signal) {
			metrics.IncSignalForwarded(sig.String())
			o.History.Record(ctx, history.Event{Type: history.EventSignal, PID: child.PID(), Error: sig.String()})
		},
	}
	res := sup.SuperviseWith(ctx, child, pending, signals)

	if o.Sampler != nil {
		o.Sampler.Stop()
	}
	metrics.SetChildExitCode(child.Spec().Name, res.ChildExitCode)
	ev := history.Event{Type: history.EventChildExit, PID: child.PID(), ExitCode: res.ChildExitCode}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	o.History.Record(ctx, ev)

	o.mu.Lock()
	code := res.ExitCode
	o.snap.ExitCode = &code
	o.mu.Unlock()
	var err error
	if res.Forced {
		err = errors.New("server killed after shutdown timeout")
	} else if !res.ShutdownRequested && res.ExitCode != ExitOK {
		err = fmt.Errorf("server exited with code %d", res.ExitCode)
	}
	o.terminate(ctx, err)
	return res.ExitCode
}

// Run executes the full sequence and returns the process exit code. A
// termination signal on signals before the server is serving cancels the
// current step and exits 0; afterwards signals are forwarded to the server.
func (o *Orchestrator) Run(ctx context.Context, signals <-chan os.Signal) int {
	log := o.logger()
	log.Info("Starting", "run_id", o.runID)

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := make(chan struct{})
	joined := make(chan struct{})
	caught := make(chan os.Signal, 1)
	go func() {
		defer close(joined)
		select {
		case sig := <-signals:
			log.Info("Termination requested during startup", "signal", sig.String())
			caught <- sig
			cancel()
		case <-stop:
		}
	}()

	var child *process.Process
	err := o.ProbeDatabase(stepCtx)
	if err == nil {
		err = o.ApplyMigrations(stepCtx)
	}
	if err == nil {
		child, err = o.LaunchServer(stepCtx)
	}
	close(stop)
	<-joined
	var pending os.Signal
	select {
	case pending = <-caught:
	default:
	}

	if err != nil {
		if pending != nil || errors.Is(err, context.Canceled) {
			log.Info("Startup interrupted before serving")
			o.setExitCode(ExitOK)
			return ExitOK
		}
		o.setExitCode(ExitFailure)
		return ExitFailure
	}
	return o.awaitTermination(ctx, child, pending, signals)
}

func (o *Orchestrator) setExitCode(code int) {
	o.mu.Lock()
	o.snap.ExitCode = &code
	o.mu.Unlock()
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Log != nil {
		return o.Log
	}
	return slog.Default()
}

func valOr(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}
