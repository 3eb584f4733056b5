package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTarget(t *testing.T) {
	tg, err := ResolveTarget("postgres://u@db:5432/trips", "")
	require.NoError(t, err)
	assert.Equal(t, Target{Driver: DriverPostgres, DSN: "postgres://u@db:5432/trips"}, tg)

	tg, err = ResolveTarget("u@db:5432/trips", "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u@db:5432/trips", tg.DSN)

	tg, err = ResolveTarget("host=db user=u dbname=trips", "")
	require.NoError(t, err)
	assert.Equal(t, "host=db user=u dbname=trips", tg.DSN)

	tg, err = ResolveTarget("postgres://ignored", "/var/lib/tracker.db")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, tg.Driver)
	assert.Equal(t, "file:/var/lib/tracker.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", tg.DSN)

	_, err = ResolveTarget("", "")
	assert.Error(t, err)
	_, err = ResolveTarget("mysql://u@db/trips", "")
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, rebind(DriverPostgres, q))
	assert.Equal(t, q, rebind(DriverSQLite, q))
}
