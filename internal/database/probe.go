package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultProbeTimeout bounds a single connectivity check.
const DefaultProbeTimeout = 5 * time.Second

// Prober checks that the database accepts connections.
type Prober interface {
	Probe(ctx context.Context) error
}

// ConnectivityError reports a transient failure to reach the database.
type ConnectivityError struct {
	Target string // redacted
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("database %s unreachable: %v", e.Target, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ConfigError reports a target that can never be reached as configured.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "invalid database target: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// Open opens a database/sql handle for the target without connecting.
func Open(t Target) (*sql.DB, error) {
	drv, err := t.SQLDriver()
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	dsn, err := t.DSN()
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	db, err := sql.Open(drv, dsn)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return db, nil
}

// SQLProber opens a connection, pings it and closes it again.
type SQLProber struct {
	Target  Target
	Timeout time.Duration
}

// Probe returns nil when the database answered a ping within Timeout.
func (p SQLProber) Probe(ctx context.Context) error {
	db, err := Open(p.Target)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		return &ConnectivityError{Target: p.Target.Redacted(), Err: err}
	}
	return nil
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }
