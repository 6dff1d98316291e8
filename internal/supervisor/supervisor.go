// Package supervisor watches the server child after launch: it forwards
// termination signals, bounds the graceful shutdown and turns the child's
// exit into the orchestrator's exit code.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/aravindas4/entrypoint/internal/process"
)

// DefaultShutdownTimeout is how long a child may take to exit after the first
// forwarded signal before it is killed.
const DefaultShutdownTimeout = 30 * time.Second

// Child is the part of *process.Process the supervisor needs.
type Child interface {
	PID() int
	Signal(os.Signal) error
	Kill() error
	Done() <-chan struct{}
	Wait() error
}

// Result describes how supervision ended.
type Result struct {
	// ExitCode is the code the orchestrator should exit with.
	ExitCode int
	// ChildExitCode is the child's own exit status (128+n when signaled).
	ChildExitCode     int
	ShutdownRequested bool
	Forced            bool
	// Signal is the first termination signal received, if any.
	Signal os.Signal
	Err    error
}

type Supervisor struct {
	// ShutdownTimeout defaults to DefaultShutdownTimeout; a negative value
	// waits for the child indefinitely.
	ShutdownTimeout time.Duration
	Log             *slog.Logger
	// OnSignal runs after every forwarded signal.
	OnSignal func(sig os.Signal)
	// OnShutdown runs once, when the first termination signal arrives.
	OnShutdown func(sig os.Signal)
}

// Supervise blocks until child exits. Every value received on signals is
// forwarded to the child. Cancelling ctx is treated as SIGTERM.
func (s *Supervisor) Supervise(ctx context.Context, child Child, signals <-chan os.Signal) Result {
	return s.SuperviseWith(ctx, child, nil, signals)
}

// SuperviseWith is Supervise for a caller that already holds a termination
// signal received while the child was being launched. A non-nil pending
// signal is forwarded before anything else.
func (s *Supervisor) SuperviseWith(ctx context.Context, child Child, pending os.Signal, signals <-chan os.Signal) Result {
	log := s.logger().With("pid", child.PID())
	done := child.Done()
	if done == nil {
		log.Error("Child was never started")
		return Result{ExitCode: 1, ChildExitCode: 1}
	}

	var (
		res     Result
		timer   *time.Timer
		timeout <-chan time.Time
		ctxDone = ctx.Done()
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	forward := func(sig os.Signal) {
		if !res.ShutdownRequested {
			res.ShutdownRequested = true
			res.Signal = sig
			if s.OnShutdown != nil {
				s.OnShutdown(sig)
			}
			if t := s.shutdownTimeout(); t > 0 {
				timer = time.NewTimer(t)
				timeout = timer.C
			}
			log.Info("Shutdown requested, forwarding signal", "signal", sig.String(), "timeout", s.shutdownTimeout())
		} else {
			log.Info("Forwarding repeated signal", "signal", sig.String())
		}
		if err := child.Signal(sig); err != nil {
			log.Warn("Failed to forward signal", "signal", sig.String(), "error", err)
		}
		if s.OnSignal != nil {
			s.OnSignal(sig)
		}
	}

	if pending != nil {
		forward(pending)
	}
	for {
		select {
		case <-done:
			err := child.Wait()
			res.Err = err
			res.ChildExitCode = process.ExitCode(err)
			switch {
			case res.Forced:
				res.ExitCode = 1
				log.Error("Child killed after shutdown timeout", "timeout", s.shutdownTimeout())
			case res.ShutdownRequested:
				res.ExitCode = 0
				log.Info("Child exited after shutdown request", "child_exit_code", res.ChildExitCode)
			case res.ChildExitCode != 0:
				res.ExitCode = res.ChildExitCode
				log.Error("Child exited unexpectedly", "exit_code", res.ChildExitCode, "error", err)
			default:
				log.Info("Child exited")
			}
			return res
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			forward(sig)
		case <-ctxDone:
			ctxDone = nil
			forward(syscall.SIGTERM)
		case <-timeout:
			timeout = nil
			res.Forced = true
			log.Warn("Child did not exit in time, killing")
			if err := child.Kill(); err != nil {
				log.Error("Failed to kill child", "error", err)
			}
		}
	}
}

func (s *Supervisor) shutdownTimeout() time.Duration {
	if s.ShutdownTimeout == 0 {
		return DefaultShutdownTimeout
	}
	return s.ShutdownTimeout
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}
