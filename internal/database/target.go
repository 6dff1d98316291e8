package database

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	_ "github.com/ClickHouse/clickhouse-go/v2" // registers "clickhouse"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Supported drivers.
const (
	DriverMySQL      = "mysql"
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"
	DriverSQLite     = "sqlite"
)

// Target identifies the relational database the service depends on.
// URL, when set, wins over the individual parts and selects the driver
// through its scheme.
type Target struct {
	Driver   string            `mapstructure:"driver"`
	URL      string            `mapstructure:"url"`
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	User     string            `mapstructure:"user"`
	Password string            `mapstructure:"password"`
	Name     string            `mapstructure:"name"`
	Params   map[string]string `mapstructure:"params"`
}

// NormalizeDriver maps driver aliases to the canonical names above.
func NormalizeDriver(d string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "", "mysql", "mariadb":
		return DriverMySQL, nil
	case "postgres", "postgresql", "pgx", "pg":
		return DriverPostgres, nil
	case "clickhouse":
		return DriverClickHouse, nil
	case "sqlite", "sqlite3", "file":
		return DriverSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q (supported: mysql, postgres, clickhouse, sqlite)", d)
	}
}

// DefaultPort returns the conventional port for a canonical driver name.
func DefaultPort(driver string) int {
	switch driver {
	case DriverPostgres:
		return 5432
	case DriverClickHouse:
		return 9000
	case DriverMySQL:
		return 3306
	default:
		return 0
	}
}

// Resolve returns a copy with URL parsed into parts, driver normalized and
// port defaulted.
func (t Target) Resolve() (Target, error) {
	r := t
	if strings.TrimSpace(r.URL) != "" {
		parsed, err := parseURL(r.URL)
		if err != nil {
			return Target{}, err
		}
		r = parsed
		r.URL = t.URL
	}
	d, err := NormalizeDriver(r.Driver)
	if err != nil {
		return Target{}, err
	}
	r.Driver = d
	if r.Port == 0 {
		r.Port = DefaultPort(d)
	}
	if d != DriverSQLite && r.Host == "" {
		r.Host = "localhost"
	}
	if d == DriverSQLite && r.Name == "" {
		return Target{}, errors.New("sqlite target requires a database file name")
	}
	return r, nil
}

// SQLDriver returns the database/sql driver name registered for the target.
func (t Target) SQLDriver() (string, error) {
	r, err := t.Resolve()
	if err != nil {
		return "", err
	}
	switch r.Driver {
	case DriverPostgres:
		return "pgx", nil
	default:
		return r.Driver, nil
	}
}

// DSN renders the data source name understood by SQLDriver.
func (t Target) DSN() (string, error) {
	r, err := t.Resolve()
	if err != nil {
		return "", err
	}
	switch r.Driver {
	case DriverMySQL:
		c := mysql.NewConfig()
		c.User = r.User
		c.Passwd = r.Password
		c.Net = "tcp"
		c.Addr = net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
		c.DBName = r.Name
		c.ParseTime = true
		if len(r.Params) > 0 {
			c.Params = make(map[string]string, len(r.Params))
			for k, v := range r.Params {
				if k == "multiStatements" {
					c.MultiStatements = v == "true"
					continue
				}
				c.Params[k] = v
			}
		}
		return c.FormatDSN(), nil
	case DriverSQLite:
		return r.Name, nil
	default:
		return r.urlString(false), nil
	}
}

// URLString renders the target as a URL (exported to migration tools as DATABASE_URL).
func (t Target) URLString() (string, error) {
	r, err := t.Resolve()
	if err != nil {
		return "", err
	}
	return r.urlString(false), nil
}

// RedactedPassword replaces passwords in rendered URLs.
const RedactedPassword = "xxxxx"

// Redacted renders the target URL with the password masked, for logs.
func (t Target) Redacted() string {
	r, err := t.Resolve()
	if err != nil {
		return "<invalid database target>"
	}
	return r.urlString(true)
}

func (t Target) urlString(redact bool) string {
	if t.Driver == DriverSQLite {
		return "sqlite://" + t.Name
	}
	u := url.URL{
		Scheme: t.Driver,
		Host:   net.JoinHostPort(t.Host, strconv.Itoa(t.Port)),
		Path:   "/" + t.Name,
	}
	if t.User != "" {
		switch {
		case t.Password == "":
			u.User = url.User(t.User)
		case redact:
			u.User = url.UserPassword(t.User, RedactedPassword)
		default:
			u.User = url.UserPassword(t.User, t.Password)
		}
	}
	if len(t.Params) > 0 {
		keys := make([]string, 0, len(t.Params))
		for k := range t.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		q := url.Values{}
		for _, k := range keys {
			q.Set(k, t.Params[k])
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// parseURL splits a database URL such as mysql://u:p@db:3306/app into parts.
// Bare paths and sqlite:// URLs are treated as sqlite files.
func parseURL(raw string) (Target, error) {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "sqlite://") || strings.HasPrefix(lower, "sqlite3://") {
		_, path, _ := strings.Cut(s, "://")
		return Target{Driver: DriverSQLite, Name: path}, nil
	}
	if !strings.Contains(s, "://") {
		return Target{Driver: DriverSQLite, Name: s}, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("parse database url: %w", err)
	}
	// SQLAlchemy style schemes such as mysql+mysqldb.
	scheme, _, _ := strings.Cut(u.Scheme, "+")
	d, err := NormalizeDriver(scheme)
	if err != nil {
		return Target{}, err
	}
	t := Target{Driver: d, Host: u.Hostname(), Name: strings.TrimPrefix(u.Path, "/")}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Target{}, fmt.Errorf("invalid port %q in database url", p)
		}
		t.Port = port
	}
	if u.User != nil {
		t.User = u.User.Username()
		t.Password, _ = u.User.Password()
	}
	if q := u.Query(); len(q) > 0 {
		t.Params = make(map[string]string, len(q))
		for k := range q {
			t.Params[k] = q.Get(k)
		}
	}
	return t, nil
}
