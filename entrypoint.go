// Package entrypoint prepares a container for its API server: it waits for
// the database, applies migrations once and then supervises the server
// process until it exits or the container is asked to stop.
package entrypoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aravindas4/entrypoint/internal/config"
	"github.com/aravindas4/entrypoint/internal/database"
	"github.com/aravindas4/entrypoint/internal/env"
	"github.com/aravindas4/entrypoint/internal/history"
	"github.com/aravindas4/entrypoint/internal/history/factory"
	"github.com/aravindas4/entrypoint/internal/logger"
	"github.com/aravindas4/entrypoint/internal/metrics"
	"github.com/aravindas4/entrypoint/internal/migrate"
	"github.com/aravindas4/entrypoint/internal/orchestrator"
	"github.com/aravindas4/entrypoint/internal/server"
)

// Re-export the types callers need to configure and inspect a run.

type Config = config.Config

type Options = config.Options

type Snapshot = orchestrator.Snapshot

// LoadConfig reads the environment, the dotenv file and the optional config file.
func LoadConfig(opts Options) (*Config, error) { return config.Load(opts) }

// App is one wired orchestrator run.
type App struct {
	cfg  *Config
	log  *slog.Logger
	orch *orchestrator.Orchestrator

	closers []io.Closer
}

// New builds the logger, prober, migrator, history recorder and orchestrator
// described by cfg. Logs go to w (stderr when nil) and, when configured, to
// the rotated log file.
func New(ctx context.Context, cfg *Config, w io.Writer) (*App, error) {
	if w == nil {
		w = os.Stderr
	}
	log, logCloser, err := logger.New(cfg.Logger(), w)
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("Failed to register metrics", "error", err)
	}

	base, err := childEnv(cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	migrator, err := newMigrator(cfg, base, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	prober := &database.SQLProber{Target: cfg.Database, Timeout: cfg.Probe.Timeout}

	o := orchestrator.New(orchestrator.Config{
		Retry:           cfg.Probe.Policy,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Server:          cfg.ServerSpec(),
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		LogLevel:        cfg.Level(),
		Env:             base,
	}, prober, migrator)
	o.Log = log
	a.orch = o

	if dsn := cfg.History.DSN; dsn != "" {
		sink, err := factory.NewSinkFromDSN(ctx, dsn)
		if err != nil {
			log.Warn("Startup history disabled", "error", err)
		} else {
			o.History = &history.Recorder{Sink: sink, RunID: o.RunID(), Log: log}
			if c, ok := sink.(io.Closer); ok {
				a.closers = append(a.closers, c)
			}
		}
	}
	if cfg.Status.Addr != "" {
		o.Sampler = metrics.NewChildSampler(0)
	}
	log.Debug("Configured",
		"database", cfg.Database.Redacted(),
		"migrator", migrator.Name(),
		"max_attempts", cfg.Probe.MaxAttempts,
		"interval", cfg.Probe.Interval,
		"shutdown_timeout", cfg.Server.ShutdownTimeout)
	return a, nil
}

// childEnv is the environment handed to the migration tool and the server:
// ours, plus DATABASE_URL derived from the target when it is not already set.
func childEnv(cfg *Config) (*env.Env, error) {
	base := env.New()
	base.FromOS()
	if os.Getenv("DATABASE_URL") == "" {
		url, err := cfg.Database.URLString()
		if err != nil {
			return nil, err
		}
		base.Set("DATABASE_URL", url)
	}
	return base, nil
}

func newMigrator(cfg *Config, base *env.Env, log *slog.Logger) (migrate.Migrator, error) {
	switch cfg.Migrate.Mode {
	case config.MigrateNone:
		return migrate.Noop{}, nil
	case config.MigrateEmbedded:
		return &migrate.EmbeddedMigrator{
			Target: cfg.Database,
			Source: cfg.Migrate.Source,
			Table:  cfg.Migrate.Table,
			Log:    log,
		}, nil
	case config.MigrateCommand:
		return &migrate.CommandMigrator{
			Spec: cfg.MigrateSpec(),
			Env:  base.Merge(nil),
			Log:  log,
		}, nil
	default:
		return nil, fmt.Errorf("unknown migrate mode %q", cfg.Migrate.Mode)
	}
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Snapshot reports the run's progress.
func (a *App) Snapshot() Snapshot { return a.orch.Snapshot() }

// Run executes the full startup sequence and supervises the server until it
// exits. The returned value is the process exit code.
func (a *App) Run(ctx context.Context, signals <-chan os.Signal) int {
	if a.cfg.Status.Addr != "" {
		srv, err := server.NewServer(a.cfg.Status.Addr, a.cfg.Status.BasePath, a.orch, a.log)
		if err != nil {
			a.log.Error("Failed to start status server", "addr", a.cfg.Status.Addr, "error", err)
			return orchestrator.ExitFailure
		}
		defer shutdownServer(srv, a.log)
	}
	code := a.orch.Run(ctx, signals)
	a.log.Info("Exiting", "exit_code", code)
	return code
}

// Probe only waits for the database.
func (a *App) Probe(ctx context.Context) error {
	return a.orch.ProbeDatabase(ctx)
}

// Migrate waits for the database and applies migrations, without launching
// the server.
func (a *App) Migrate(ctx context.Context) error {
	if err := a.orch.ProbeDatabase(ctx); err != nil {
		return err
	}
	return a.orch.ApplyMigrations(ctx)
}

// Close releases the history sink and the log file.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func shutdownServer(srv *http.Server, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("Status server shutdown", "error", err)
	}
}
