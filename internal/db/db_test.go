package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tracelog.db")

	database, err := New(path)
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.Migrate())
	// Running again is a no-op.
	require.NoError(t, database.Migrate())

	version, err := database.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.Equal(t, path, database.Path())

	rows, err := database.Query(`SELECT name FROM pragma_table_info('log_entries')`)
	require.NoError(t, err)
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		columns = append(columns, name)
	}
	require.NoError(t, rows.Err())

	for _, col := range []string{
		"id", "request_id", "level", "message", "context", "properties", "controller", "method",
		"call_depth", "ip_address", "user_agent", "url", "http_method", "status_code", "duration",
		"memory_usage", "created_at", "phase", "operation_name",
	} {
		assert.Contains(t, columns, col)
	}
}

func TestCallDepthDefault(t *testing.T) {
	database, err := New(filepath.Join(t.TempDir(), "tracelog.db"))
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, database.Migrate())

	_, err = database.Exec(`INSERT INTO log_entries (request_id, level, message, created_at) VALUES ('r', 'info', 'm', '2026-01-01 00:00:00.000000')`)
	require.NoError(t, err)

	var depth int
	require.NoError(t, database.QueryRow(`SELECT call_depth FROM log_entries`).Scan(&depth))
	assert.Equal(t, 1, depth)
}
