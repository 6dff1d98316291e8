package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	mdb "github.com/golang-migrate/migrate/v4/database"
	mmysql "github.com/golang-migrate/migrate/v4/database/mysql"
	mpgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/aravindas4/entrypoint/internal/database"
)

const (
	// DefaultSource is where embedded migrations are read from when no
	// source is configured.
	DefaultSource = "file://migrations"
	// DefaultTable records the applied version.
	DefaultTable = "schema_migrations"
)

// EmbeddedMigrator applies up-migrations with golang-migrate, without an
// external tool in the image.
type EmbeddedMigrator struct {
	Target database.Target
	// Source is a golang-migrate source URL. Ignored when FS is set.
	Source string
	// FS and Dir read migrations from a filesystem, e.g. an embed.FS.
	FS    fs.FS
	Dir   string
	Table string
	Log   *slog.Logger
}

func (m *EmbeddedMigrator) Name() string { return "embedded" }

func (m *EmbeddedMigrator) Migrate(ctx context.Context) error {
	log := m.logger().With("migrator", m.Name())
	fatal := func(err error) error {
		return &FatalError{Migrator: m.Name(), ExitCode: 1, Err: err}
	}

	target, err := m.Target.Resolve()
	if err != nil {
		return fatal(err)
	}
	if target.Driver == database.DriverMySQL {
		// Migration files routinely hold several statements.
		target.Params = withParam(target.Params, "multiStatements", "true")
	}
	db, err := database.Open(target)
	if err != nil {
		return fatal(err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fatal(fmt.Errorf("failed to ping database: %w", err))
	}

	driver, err := m.databaseDriver(target.Driver, db)
	if err != nil {
		return fatal(err)
	}
	mg, err := m.newMigrate(target.Driver, driver)
	if err != nil {
		return fatal(err)
	}
	defer func() { _, _ = mg.Close() }()
	mg.Log = migrateLogger{log: log}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			mg.GracefulStop <- true
		case <-stop:
		}
	}()

	log.Info("Applying migrations", "target", target.Redacted())
	err = mg.Up()
	if ctx.Err() != nil {
		return fmt.Errorf("migration %s interrupted: %w", m.Name(), ctx.Err())
	}
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Info("No migrations to apply (database is up to date)")
	case err != nil:
		return fatal(err)
	default:
		log.Info("Migrations completed successfully")
	}

	version, dirty, err := mg.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Info("No migrations applied yet")
	case err != nil:
		return fatal(fmt.Errorf("failed to get migration version: %w", err))
	default:
		log.Info("Current schema version", "version", version, "dirty", dirty)
		if dirty {
			log.Warn("Database schema is in dirty state - manual intervention may be required")
		}
	}
	return nil
}

func (m *EmbeddedMigrator) databaseDriver(driver string, sqlDB *sql.DB) (mdb.Driver, error) {
	table := m.table()
	switch driver {
	case database.DriverPostgres:
		return mpgx.WithInstance(sqlDB, &mpgx.Config{MigrationsTable: table})
	case database.DriverMySQL:
		return mmysql.WithInstance(sqlDB, &mmysql.Config{MigrationsTable: table})
	case database.DriverSQLite:
		return msqlite.WithInstance(sqlDB, &msqlite.Config{MigrationsTable: table})
	default:
		return nil, fmt.Errorf("embedded migrations are not supported for %s", driver)
	}
}

func (m *EmbeddedMigrator) newMigrate(dbName string, driver mdb.Driver) (*migrate.Migrate, error) {
	if m.FS != nil {
		dir := m.Dir
		if dir == "" {
			dir = "."
		}
		src, err := iofs.New(m.FS, dir)
		if err != nil {
			return nil, fmt.Errorf("failed to create source driver: %w", err)
		}
		return migrate.NewWithInstance("iofs", src, dbName, driver)
	}
	source := m.Source
	if source == "" {
		source = DefaultSource
	}
	return migrate.NewWithDatabaseInstance(source, dbName, driver)
}

func (m *EmbeddedMigrator) table() string {
	if m.Table != "" {
		return m.Table
	}
	return DefaultTable
}

func (m *EmbeddedMigrator) logger() *slog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return slog.Default()
}

func withParam(params map[string]string, k, v string) map[string]string {
	out := make(map[string]string, len(params)+1)
	for pk, pv := range params {
		out[pk] = pv
	}
	out[k] = v
	return out
}

// migrateLogger routes golang-migrate's progress lines to slog at debug level.
type migrateLogger struct{ log *slog.Logger }

func (l migrateLogger) Printf(format string, v ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return l.log.Enabled(context.Background(), slog.LevelDebug)
}
