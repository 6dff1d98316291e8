package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
)

var configEnv = []string{
	"ENV_FILE", "DATABASE_URL", "DB_DRIVER", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME",
	"MYSQL_HOST", "MYSQL_PORT", "MYSQL_USER", "MYSQL_PASSWORD", "MYSQL_DATABASE",
	"DB_PROBE_MAX_ATTEMPTS", "DB_PROBE_INTERVAL", "DB_PROBE_TIMEOUT", "DB_PROBE_BACKOFF",
	"DB_PROBE_MAX_INTERVAL", "DB_PROBE_MULTIPLIER", "DB_PROBE_JITTER",
	"MIGRATE_MODE", "MIGRATE_COMMAND", "MIGRATE_SOURCE", "MIGRATE_TABLE", "MIGRATE_WORKDIR",
	"SERVER_COMMAND", "HOST", "PORT", "SERVER_WORKDIR", "SERVER_PID_FILE", "SERVER_LOG_DIR",
	"SHUTDOWN_TIMEOUT", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE", "APP_ENV", "DEBUG",
	"STATUS_ADDR", "STATUS_BASE_PATH", "HISTORY_DSN",
}

// sqliteEnv points the run at a throwaway sqlite database in a clean
// working directory.
func sqliteEnv(t *testing.T) string {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
		if err := os.Unsetenv(k); err != nil {
			t.Fatalf("unset %s: %v", k, err)
		}
	}
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_NAME", filepath.Join(dir, "app.db"))
	t.Setenv("DB_PROBE_MAX_ATTEMPTS", "2")
	t.Setenv("DB_PROBE_INTERVAL", "10ms")
	t.Setenv("MIGRATE_MODE", "none")
	return dir
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCommand(&stdout, &stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh on Unix-like systems")
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != 0 {
		t.Fatalf("nil error must map to 0")
	}
	if exitCode(errors.New("bad config")) != 1 {
		t.Fatalf("plain errors must map to 1")
	}
	if exitCode(&exitError{code: 143}) != 143 {
		t.Fatalf("exit errors carry their code")
	}
}

func TestHelpListsSubcommands(t *testing.T) {
	out, _, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, want := range []string{"probe", "migrate", "config", "--env-file", "--config"} {
		if !strings.Contains(out, want) {
			t.Fatalf("help output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCommandPrintsRedactedEnvironment(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("DB_PASSWORD", "hunter2")
	out, _, err := execute(t, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if strings.Contains(out, "hunter2") {
		t.Fatalf("password leaked:\n%s", out)
	}
	for _, want := range []string{"DB_DRIVER=sqlite", "MIGRATE_MODE=none", "PORT=8000"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCommandRejectsInvalidValues(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("MIGRATE_MODE", "flyway")
	_, _, err := execute(t, "config")
	if err == nil || exitCode(err) != 1 {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestEnvFileFlag(t *testing.T) {
	dir := sqliteEnv(t)
	dotenv := filepath.Join(dir, "ci.env")
	if err := os.WriteFile(dotenv, []byte("PORT=9123\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	out, _, err := execute(t, "--env-file", dotenv, "config")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !strings.Contains(out, "PORT=9123") {
		t.Fatalf("env file not applied:\n%s", out)
	}
}

func TestProbeCommand(t *testing.T) {
	sqliteEnv(t)
	_, logs, err := execute(t, "probe")
	if err != nil {
		t.Fatalf("probe: %v\n%s", err, logs)
	}
	if !strings.Contains(logs, "Database is reachable") {
		t.Fatalf("unexpected logs:\n%s", logs)
	}
}

func TestProbeCommandGivesUp(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("DB_NAME", filepath.Join(t.TempDir(), "missing-dir", "app.db"))
	_, logs, err := execute(t, "probe")
	if exitCode(err) != 1 {
		t.Fatalf("expected exit 1, got %v\n%s", err, logs)
	}
	if !strings.Contains(logs, "Database unreachable, giving up") {
		t.Fatalf("unexpected logs:\n%s", logs)
	}
}

func TestMigrateCommandRunsTool(t *testing.T) {
	requireUnix(t)
	dir := sqliteEnv(t)
	t.Setenv("MIGRATE_MODE", "command")
	t.Setenv("MIGRATE_COMMAND", `sh -c 'echo "$DATABASE_URL" > migrated'`)
	t.Setenv("MIGRATE_WORKDIR", dir)
	if _, logs, err := execute(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v\n%s", err, logs)
	}
	b, err := os.ReadFile(filepath.Join(dir, "migrated"))
	if err != nil {
		t.Fatalf("migration tool did not run: %v", err)
	}
	if !strings.HasPrefix(string(b), "sqlite://") {
		t.Fatalf("DATABASE_URL not exported: %q", b)
	}
}

func TestMigrateCommandFailure(t *testing.T) {
	requireUnix(t)
	sqliteEnv(t)
	t.Setenv("MIGRATE_MODE", "command")
	t.Setenv("MIGRATE_COMMAND", `sh -c 'exit 4'`)
	_, logs, err := execute(t, "migrate")
	if exitCode(err) != 1 {
		t.Fatalf("expected exit 1, got %v\n%s", err, logs)
	}
	if !strings.Contains(logs, "Migration failed") {
		t.Fatalf("unexpected logs:\n%s", logs)
	}
}

func TestRootPropagatesServerExitCode(t *testing.T) {
	requireUnix(t)
	sqliteEnv(t)
	t.Setenv("SERVER_COMMAND", `sh -c 'test "$PORT" = 8123 && exit 3'`)
	t.Setenv("PORT", "8123")
	_, logs, err := execute(t)
	if got := exitCode(err); got != 3 {
		t.Fatalf("exit code = %d, want 3\n%s", got, logs)
	}
}

func TestRootCleanExit(t *testing.T) {
	requireUnix(t)
	sqliteEnv(t)
	t.Setenv("SERVER_COMMAND", "true")
	if _, logs, err := execute(t); err != nil {
		t.Fatalf("run: %v\n%s", err, logs)
	}
}

func TestSignalQueuedBeforeStartupExitsZero(t *testing.T) {
	requireUnix(t)
	sqliteEnv(t)
	t.Setenv("SERVER_COMMAND", "sleep 30")
	t.Setenv("SHUTDOWN_TIMEOUT", "2s")

	signals := make(chan os.Signal, 2)
	signals <- syscall.SIGTERM
	var stderr bytes.Buffer
	if err := runWithSignals(context.Background(), &GlobalFlags{}, &stderr, signals); err != nil {
		t.Fatalf("expected exit 0, got %v\n%s", err, stderr.String())
	}
}

func TestProbeCommandRepeatedTakesOneAttempt(t *testing.T) {
	sqliteEnv(t)
	for i := 0; i < 2; i++ {
		_, logs, err := execute(t, "probe")
		if err != nil {
			t.Fatalf("probe run %d: %v\n%s", i, err, logs)
		}
		if !strings.Contains(logs, "attempts=1 ") {
			t.Fatalf("probe run %d retried:\n%s", i, logs)
		}
		if strings.Contains(logs, "Database not ready") {
			t.Fatalf("probe run %d logged a failure:\n%s", i, logs)
		}
	}
}

func TestHealthcheckAgainstStatusServer(t *testing.T) {
	sqliteEnv(t)
	var current atomic.Value
	current.Store("MIGRATING")
	state := func() string { return current.Load().(string) }
	mux := http.NewServeMux()
	mux.HandleFunc("/ops/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if state() != "SERVING" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(`{"status":"x","state":"` + state() + `"}`))
	})
	mux.HandleFunc("/ops/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy","state":"` + state() + `"}`))
	})
	mux.HandleFunc("/ops/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"run_id":"r1","state":"` + state() + `"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	t.Setenv("STATUS_ADDR", strings.TrimPrefix(srv.URL, "http://"))
	t.Setenv("STATUS_BASE_PATH", "/ops")

	if _, _, err := execute(t, "healthcheck"); exitCode(err) != 1 {
		t.Fatalf("not ready yet, got %v", err)
	}
	if _, _, err := execute(t, "healthcheck", "--live"); err != nil {
		t.Fatalf("liveness: %v", err)
	}
	current.Store("SERVING")
	if _, _, err := execute(t, "healthcheck", "--url", srv.URL+"/ops"); err != nil {
		t.Fatalf("ready: %v", err)
	}
	out, _, err := execute(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"run_id": "r1"`) {
		t.Fatalf("unexpected status output:\n%s", out)
	}
}

func TestHealthcheckWithoutStatusServer(t *testing.T) {
	sqliteEnv(t)
	_, _, err := execute(t, "healthcheck")
	if err == nil || !strings.Contains(err.Error(), "STATUS_ADDR") {
		t.Fatalf("expected disabled error, got %v", err)
	}
}
