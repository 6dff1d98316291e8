package migrate

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"github.com/aravindas4/entrypoint/internal/database"
)

var eventMigrations = fstest.MapFS{
	"1_create_events.up.sql":   {Data: []byte("CREATE TABLE events (id INTEGER PRIMARY KEY, name TEXT NOT NULL);")},
	"1_create_events.down.sql": {Data: []byte("DROP TABLE events;")},
	"2_add_venue.up.sql":       {Data: []byte("ALTER TABLE events ADD COLUMN venue TEXT;")},
	"2_add_venue.down.sql":     {Data: []byte("ALTER TABLE events DROP COLUMN venue;")},
}

func sqliteTarget(t *testing.T) database.Target {
	t.Helper()
	return database.Target{Driver: database.DriverSQLite, Name: filepath.Join(t.TempDir(), "app.db")}
}

func schemaVersion(t *testing.T, target database.Target) int {
	t.Helper()
	db, err := sql.Open("sqlite", target.Name)
	require.NoError(t, err)
	defer db.Close()
	var v int
	require.NoError(t, db.QueryRow("SELECT version FROM "+DefaultTable).Scan(&v))
	return v
}

func TestEmbeddedMigratorAppliesAndIsIdempotent(t *testing.T) {
	target := sqliteTarget(t)
	m := &EmbeddedMigrator{Target: target, FS: eventMigrations}

	require.NoError(t, m.Migrate(context.Background()))
	require.Equal(t, 2, schemaVersion(t, target))

	// A second run finds nothing to do.
	require.NoError(t, m.Migrate(context.Background()))
	require.Equal(t, 2, schemaVersion(t, target))

	db, err := sql.Open("sqlite", target.Name)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec("INSERT INTO events (name, venue) VALUES ('launch', 'hall')")
	require.NoError(t, err)
}

func TestEmbeddedMigratorFileSource(t *testing.T) {
	dir := t.TempDir()
	for name, f := range eventMigrations {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), f.Data, 0o600))
	}
	target := sqliteTarget(t)
	m := &EmbeddedMigrator{Target: target, Source: "file://" + dir, Table: "versions"}
	require.NoError(t, m.Migrate(context.Background()))

	db, err := sql.Open("sqlite", target.Name)
	require.NoError(t, err)
	defer db.Close()
	var v int
	require.NoError(t, db.QueryRow("SELECT version FROM versions").Scan(&v))
	require.Equal(t, 2, v)
}

func TestEmbeddedMigratorBrokenMigrationIsFatal(t *testing.T) {
	broken := fstest.MapFS{
		"1_broken.up.sql":   {Data: []byte("CREATE TABLE oops (;")},
		"1_broken.down.sql": {Data: []byte("")},
	}
	m := &EmbeddedMigrator{Target: sqliteTarget(t), FS: broken}
	var fe *FatalError
	err := m.Migrate(context.Background())
	require.True(t, errors.As(err, &fe), "expected FatalError, got %v", err)
	require.Equal(t, 1, fe.ExitCode)
}

func TestEmbeddedMigratorUnsupportedDriver(t *testing.T) {
	m := &EmbeddedMigrator{Target: database.Target{Driver: database.DriverClickHouse, Host: "127.0.0.1", Port: 1}}
	var fe *FatalError
	require.True(t, errors.As(m.Migrate(context.Background()), &fe))
}

func TestEmbeddedMigratorMissingSource(t *testing.T) {
	m := &EmbeddedMigrator{Target: sqliteTarget(t), Source: "file://" + filepath.Join(t.TempDir(), "missing")}
	var fe *FatalError
	require.True(t, errors.As(m.Migrate(context.Background()), &fe))
}
