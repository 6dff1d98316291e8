package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aravindas4/entrypoint/internal/database"
	"github.com/aravindas4/entrypoint/internal/logger"
	"github.com/aravindas4/entrypoint/internal/migrate"
	"github.com/aravindas4/entrypoint/internal/process"
	"github.com/aravindas4/entrypoint/internal/retry"
	"github.com/aravindas4/entrypoint/internal/supervisor"
)

// DefaultEnvFile is loaded when present; it never overrides the real environment.
const DefaultEnvFile = ".env"

// DefaultServerCommand starts the API server on the configured bind address.
const DefaultServerCommand = "uvicorn main:app --host ${HOST} --port ${PORT} --log-level ${LOG_LEVEL}"

// Migration modes.
const (
	MigrateCommand  = "command"
	MigrateEmbedded = "embedded"
	MigrateNone     = "none"
)

// Config is the effective configuration of one orchestrator run.
type Config struct {
	Database database.Target `mapstructure:"db"`
	Probe    ProbeConfig     `mapstructure:"probe"`
	Migrate  MigrateConfig   `mapstructure:"migrate"`
	Server   ServerConfig    `mapstructure:"server"`
	Log      LogConfig       `mapstructure:"log"`
	Status   StatusConfig    `mapstructure:"status"`
	History  HistoryConfig   `mapstructure:"history"`
}

type ProbeConfig struct {
	retry.Policy `mapstructure:",squash"`
	Timeout      time.Duration `mapstructure:"timeout"` // per attempt
}

type MigrateConfig struct {
	Mode    string `mapstructure:"mode"`
	Command string `mapstructure:"command"`
	Source  string `mapstructure:"source"`
	Table   string `mapstructure:"table"`
	WorkDir string `mapstructure:"workdir"`
}

type ServerConfig struct {
	Command         string        `mapstructure:"command"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	WorkDir         string        `mapstructure:"workdir"`
	PIDFile         string        `mapstructure:"pidfile"`
	LogDir          string        `mapstructure:"log_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"` // empty defers to debug/app_env
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
	AppEnv string `mapstructure:"app_env"`
	Debug  bool   `mapstructure:"debug"`
}

type StatusConfig struct {
	Addr     string `mapstructure:"addr"` // empty disables the status server
	BasePath string `mapstructure:"base_path"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"` // empty disables history
}

// binding maps a config key onto its environment variables, first set wins.
type binding struct {
	key  string
	envs []string
}

var bindings = []binding{
	{"db.url", []string{"DATABASE_URL"}},
	{"db.driver", []string{"DB_DRIVER"}},
	{"db.host", []string{"DB_HOST", "MYSQL_HOST"}},
	{"db.port", []string{"DB_PORT", "MYSQL_PORT"}},
	{"db.user", []string{"DB_USER", "MYSQL_USER"}},
	{"db.password", []string{"DB_PASSWORD", "MYSQL_PASSWORD"}},
	{"db.name", []string{"DB_NAME", "MYSQL_DATABASE"}},
	{"probe.max_attempts", []string{"DB_PROBE_MAX_ATTEMPTS"}},
	{"probe.interval", []string{"DB_PROBE_INTERVAL"}},
	{"probe.timeout", []string{"DB_PROBE_TIMEOUT"}},
	{"probe.strategy", []string{"DB_PROBE_BACKOFF"}},
	{"probe.max_interval", []string{"DB_PROBE_MAX_INTERVAL"}},
	{"probe.multiplier", []string{"DB_PROBE_MULTIPLIER"}},
	{"probe.jitter", []string{"DB_PROBE_JITTER"}},
	{"migrate.mode", []string{"MIGRATE_MODE"}},
	{"migrate.command", []string{"MIGRATE_COMMAND"}},
	{"migrate.source", []string{"MIGRATE_SOURCE"}},
	{"migrate.table", []string{"MIGRATE_TABLE"}},
	{"migrate.workdir", []string{"MIGRATE_WORKDIR"}},
	{"server.command", []string{"SERVER_COMMAND"}},
	{"server.host", []string{"HOST"}},
	{"server.port", []string{"PORT"}},
	{"server.workdir", []string{"SERVER_WORKDIR"}},
	{"server.pidfile", []string{"SERVER_PID_FILE"}},
	{"server.log_dir", []string{"SERVER_LOG_DIR"}},
	{"server.shutdown_timeout", []string{"SHUTDOWN_TIMEOUT"}},
	{"log.level", []string{"LOG_LEVEL"}},
	{"log.format", []string{"LOG_FORMAT"}},
	{"log.file", []string{"LOG_FILE"}},
	{"log.app_env", []string{"APP_ENV"}},
	{"log.debug", []string{"DEBUG"}},
	{"status.addr", []string{"STATUS_ADDR"}},
	{"status.base_path", []string{"STATUS_BASE_PATH"}},
	{"history.dsn", []string{"HISTORY_DSN"}},
}

func setDefaults(v *viper.Viper) {
	p := retry.DefaultPolicy()
	v.SetDefault("db.url", "")
	v.SetDefault("db.driver", database.DriverMySQL)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 0)
	v.SetDefault("db.user", "root")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "event_management")
	v.SetDefault("probe.max_attempts", p.MaxAttempts)
	v.SetDefault("probe.interval", p.Interval)
	v.SetDefault("probe.timeout", database.DefaultProbeTimeout)
	v.SetDefault("probe.strategy", string(p.Strategy))
	v.SetDefault("probe.max_interval", p.MaxInterval)
	v.SetDefault("probe.multiplier", p.Multiplier)
	v.SetDefault("probe.jitter", 0.0)
	v.SetDefault("migrate.mode", MigrateCommand)
	v.SetDefault("migrate.command", migrate.DefaultCommand)
	v.SetDefault("migrate.source", migrate.DefaultSource)
	v.SetDefault("migrate.table", migrate.DefaultTable)
	v.SetDefault("migrate.workdir", "")
	v.SetDefault("server.command", DefaultServerCommand)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.workdir", "")
	v.SetDefault("server.pidfile", "")
	v.SetDefault("server.log_dir", "")
	v.SetDefault("server.shutdown_timeout", supervisor.DefaultShutdownTimeout)
	v.SetDefault("log.level", "")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("log.app_env", "")
	v.SetDefault("log.debug", false)
	v.SetDefault("status.addr", "")
	v.SetDefault("status.base_path", "")
	v.SetDefault("history.dsn", "")
}

// Options selects the optional config sources.
type Options struct {
	ConfigFile string // TOML (or any viper format by extension)
	EnvFile    string // dotenv file; defaults to $ENV_FILE, then .env
}

// Load builds the effective configuration. Precedence, highest first:
// environment, dotenv file, config file, defaults.
func Load(opts Options) (*Config, error) {
	if err := LoadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	for _, b := range bindings {
		args := append([]string{b.key}, b.envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", b.key, err)
		}
	}
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if filepath.Ext(opts.ConfigFile) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set. An explicitly named file must
// exist; the default .env is optional.
func LoadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = os.Getenv("ENV_FILE")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultEnvFile
	}
	err := godotenv.Load(filepath.Clean(path))
	switch {
	case err == nil:
		return nil
	case !explicit && errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return fmt.Errorf("load env file %s: %w", path, err)
	}
}

// Validate rejects values that cannot produce a working run.
func (c *Config) Validate() error {
	if _, err := c.Database.Resolve(); err != nil {
		return err
	}
	if err := c.Probe.Policy.Validate(); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe timeout must be positive, got %s", c.Probe.Timeout)
	}
	switch c.Migrate.Mode {
	case MigrateCommand:
		if strings.TrimSpace(c.Migrate.Command) == "" {
			return errors.New("migrate command is required in command mode")
		}
	case MigrateEmbedded:
		if strings.TrimSpace(c.Migrate.Source) == "" {
			return errors.New("migrate source is required in embedded mode")
		}
	case MigrateNone:
	default:
		return fmt.Errorf("unknown migrate mode %q (command, embedded, none)", c.Migrate.Mode)
	}
	if strings.TrimSpace(c.Server.Command) == "" {
		return errors.New("server command is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Server.Port)
	}
	switch c.Log.Format {
	case logger.FormatText, logger.FormatJSON, logger.FormatColor:
	default:
		return fmt.Errorf("unknown log format %q (text, json, color)", c.Log.Format)
	}
	if c.Log.Level != "" {
		if _, ok := logger.ParseLevel(c.Log.Level); !ok {
			return fmt.Errorf("unknown log level %q", c.Log.Level)
		}
	}
	return nil
}

// Level resolves the log level: LOG_LEVEL wins, then DEBUG=true, then the
// APP_ENV name (development/testing map to debug), then info.
func (c *Config) Level() string {
	if c.Log.Level != "" {
		l, _ := logger.ParseLevel(c.Log.Level)
		return logger.LevelName(l)
	}
	if c.Log.Debug {
		return "debug"
	}
	if l, ok := logger.ParseLevel(c.Log.AppEnv); ok {
		return logger.LevelName(l)
	}
	return "info"
}

// Logger returns the orchestrator logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:  c.Level(),
		Format: c.Log.Format,
		File:   logger.FileConfig{Path: c.Log.File},
	}
}

// ServerSpec describes the supervised server. The command keeps its ${VAR}
// references; they are expanded at launch.
func (c *Config) ServerSpec() process.Spec {
	return process.Spec{
		Name:    "server",
		Command: c.Server.Command,
		WorkDir: c.Server.WorkDir,
		PIDFile: c.Server.PIDFile,
		Log:     logger.FileConfig{Dir: c.Server.LogDir},
	}
}

// MigrateSpec describes the external migration tool.
func (c *Config) MigrateSpec() process.Spec {
	return process.Spec{
		Name:    "migrate",
		Command: c.Migrate.Command,
		WorkDir: c.Migrate.WorkDir,
		Log:     logger.FileConfig{Dir: c.Server.LogDir},
	}
}

// Environ renders the configuration as the environment variables that would
// reproduce it, sorted, with credentials redacted.
func (c *Config) Environ() []string {
	t := c.Database
	if r, err := t.Resolve(); err == nil {
		t = r
	}
	url := t.URL
	if url != "" {
		url = t.Redacted()
	}
	password := ""
	if t.Password != "" {
		password = database.RedactedPassword
	}
	dur := func(d time.Duration) string { return d.String() }
	out := []string{
		"DATABASE_URL=" + url,
		"DB_DRIVER=" + t.Driver,
		"DB_HOST=" + t.Host,
		"DB_PORT=" + strconv.Itoa(t.Port),
		"DB_USER=" + t.User,
		"DB_PASSWORD=" + password,
		"DB_NAME=" + t.Name,
		"DB_PROBE_MAX_ATTEMPTS=" + strconv.Itoa(c.Probe.MaxAttempts),
		"DB_PROBE_INTERVAL=" + dur(c.Probe.Interval),
		"DB_PROBE_TIMEOUT=" + dur(c.Probe.Timeout),
		"DB_PROBE_BACKOFF=" + string(c.Probe.Strategy),
		"DB_PROBE_MAX_INTERVAL=" + dur(c.Probe.MaxInterval),
		"MIGRATE_MODE=" + c.Migrate.Mode,
		"MIGRATE_COMMAND=" + c.Migrate.Command,
		"MIGRATE_SOURCE=" + c.Migrate.Source,
		"MIGRATE_TABLE=" + c.Migrate.Table,
		"MIGRATE_WORKDIR=" + c.Migrate.WorkDir,
		"SERVER_COMMAND=" + c.Server.Command,
		"HOST=" + c.Server.Host,
		"PORT=" + strconv.Itoa(c.Server.Port),
		"SERVER_WORKDIR=" + c.Server.WorkDir,
		"SERVER_PID_FILE=" + c.Server.PIDFile,
		"SERVER_LOG_DIR=" + c.Server.LogDir,
		"SHUTDOWN_TIMEOUT=" + dur(c.Server.ShutdownTimeout),
		"LOG_LEVEL=" + c.Level(),
		"LOG_FORMAT=" + c.Log.Format,
		"LOG_FILE=" + c.Log.File,
		"STATUS_ADDR=" + c.Status.Addr,
		"STATUS_BASE_PATH=" + c.Status.BasePath,
		"HISTORY_DSN=" + redactDSN(c.History.DSN),
	}
	sort.Strings(out)
	return out
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	return database.Target{URL: dsn}.Redacted()
}
