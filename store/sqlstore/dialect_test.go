package sqlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := "SELECT amount FROM balances WHERE owner_id = ? AND guild_id = ? AND reward_type_id = ?"

	sqlite := &Store{dialect: DialectSQLite}
	assert.Equal(t, q, sqlite.rebind(q))

	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t,
		"SELECT amount FROM balances WHERE owner_id = $1 AND guild_id = $2 AND reward_type_id = $3",
		pg.rebind(q))
}

func TestParseDialect(t *testing.T) {
	for in, want := range map[string]Dialect{
		"":            DialectSQLite,
		"sqlite3":     DialectSQLite,
		"Postgres":    DialectPostgres,
		" postgresql": DialectPostgres,
	} {
		got, err := ParseDialect(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDialect("oracle")
	assert.Error(t, err)
}

func TestFormatTimeSortsAsText(t *testing.T) {
	a := formatTime(mustParse(t, "2025-03-10T09:00:00.5Z"))
	b := formatTime(mustParse(t, "2025-03-10T09:00:00.25Z"))
	c := formatTime(mustParse(t, "2025-03-10T10:00:00+02:00"))

	assert.Less(t, c, b, "converted to UTC first")
	assert.Less(t, b, a)
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.Parse(time.RFC3339Nano, s)
	require.NoError(t, err)
	return v
}
