package db

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Target names a database/sql driver and its DSN.
type Target struct {
	Driver string
	DSN    string
}

// ResolveTarget prefers an embedded SQLite file when sqlitePath is set and
// falls back to the Postgres URL otherwise.
func ResolveTarget(databaseURL, sqlitePath string) (Target, error) {
	if p := strings.TrimSpace(sqlitePath); p != "" {
		return Target{Driver: DriverSQLite, DSN: SQLiteDSN(p)}, nil
	}
	dsn, err := normalizePostgres(databaseURL)
	if err != nil {
		return Target{}, err
	}
	return Target{Driver: DriverPostgres, DSN: dsn}, nil
}

// SQLiteDSN adds the pragmas the store relies on. ":memory:" is passed through.
func SQLiteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	if strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func normalizePostgres(dsn string) (string, error) {
	if dsn == "" {
		return "", errors.New("empty DSN")
	}
	// keyword/value DSNs ("host=... user=...") are handed to pgx untouched
	if !strings.Contains(dsn, "://") && strings.Contains(dsn, "=") {
		return dsn, nil
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse DSN")
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// rebind rewrites ? placeholders to $1..$n for Postgres.
func rebind(driver, q string) string {
	if driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
