package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aravindas4/entrypoint"
	"github.com/aravindas4/entrypoint/pkg/client"
)

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	EnvFile    string
}

// StatusFlags selects the status server queried by healthcheck and status.
type StatusFlags struct {
	URL     string
	Live    bool
	Timeout time.Duration
}

// exitError carries a process exit code through cobra's error return.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// exitCode maps a command error onto the process exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "entrypoint",
		Short: "Wait for the database, migrate, then run and supervise the API server",
		Long: `entrypoint prepares a container for its API server.

It probes the database until it accepts connections, applies migrations
exactly once, then starts the server command and forwards SIGTERM/SIGINT
to it. The server's exit code becomes the container's exit code.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAll(cmd.Context(), flags, stderr)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to a TOML config file")
	root.PersistentFlags().StringVar(&flags.EnvFile, "env-file", "", "dotenv file to load (default $ENV_FILE or .env)")

	root.AddCommand(
		createProbeCommand(flags, stderr),
		createMigrateCommand(flags, stderr),
		createConfigCommand(flags),
		createHealthcheckCommand(flags),
		createStatusCommand(flags),
	)
	return root
}

func createProbeCommand(flags *GlobalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Wait until the database accepts connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStep(cmd.Context(), flags, stderr, (*entrypoint.App).Probe)
		},
	}
}

func createMigrateCommand(flags *GlobalFlags, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Wait for the database and apply migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStep(cmd.Context(), flags, stderr, (*entrypoint.App).Migrate)
		},
	}
}

func createConfigCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with credentials redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := entrypoint.LoadConfig(entrypoint.Options{ConfigFile: flags.ConfigPath, EnvFile: flags.EnvFile})
			if err != nil {
				return err
			}
			for _, kv := range cfg.Environ() {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), kv); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func addStatusFlags(cmd *cobra.Command, sf *StatusFlags) {
	cmd.Flags().StringVar(&sf.URL, "url", "", "status server URL (default derived from STATUS_ADDR)")
	cmd.Flags().DurationVar(&sf.Timeout, "timeout", 3*time.Second, "request timeout")
}

func createHealthcheckCommand(flags *GlobalFlags) *cobra.Command {
	sf := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit 0 when the server is ready (or, with --live, when the orchestrator answers)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := statusClient(flags, sf)
			if err != nil {
				return err
			}
			if sf.Live {
				return c.Healthy(cmd.Context())
			}
			return c.Ready(cmd.Context())
		},
	}
	addStatusFlags(cmd, sf)
	cmd.Flags().BoolVar(&sf.Live, "live", false, "check liveness instead of readiness")
	return cmd
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	sf := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the running orchestrator's snapshot as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := statusClient(flags, sf)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
	addStatusFlags(cmd, sf)
	return cmd
}

func statusClient(flags *GlobalFlags, sf *StatusFlags) (*client.Client, error) {
	url := sf.URL
	if url == "" {
		cfg, err := entrypoint.LoadConfig(entrypoint.Options{ConfigFile: flags.ConfigPath, EnvFile: flags.EnvFile})
		if err != nil {
			return nil, err
		}
		if cfg.Status.Addr == "" {
			return nil, errors.New("status server is disabled; set STATUS_ADDR or pass --url")
		}
		url = client.BaseURLFromAddr(cfg.Status.Addr, cfg.Status.BasePath)
	}
	return client.New(client.Config{BaseURL: url, Timeout: sf.Timeout}), nil
}

func newApp(ctx context.Context, flags *GlobalFlags, stderr io.Writer) (*entrypoint.App, error) {
	cfg, err := entrypoint.LoadConfig(entrypoint.Options{ConfigFile: flags.ConfigPath, EnvFile: flags.EnvFile})
	if err != nil {
		return nil, err
	}
	return entrypoint.New(ctx, cfg, stderr)
}

func runAll(ctx context.Context, flags *GlobalFlags, stderr io.Writer) error {
	// Capture signals before the app is built; Run drains whatever queued up.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	return runWithSignals(ctx, flags, stderr, signals)
}

func runWithSignals(ctx context.Context, flags *GlobalFlags, stderr io.Writer, signals <-chan os.Signal) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := newApp(ctx, flags, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if code := app.Run(ctx, signals); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// runStep runs a partial sequence; a termination signal cancels it.
func runStep(ctx context.Context, flags *GlobalFlags, stderr io.Writer, step func(*entrypoint.App, context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, flags, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	if err := step(app, ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		app.Logger().Error("Step failed", "error", err)
		return &exitError{code: 1}
	}
	return nil
}
