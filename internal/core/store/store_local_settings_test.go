//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapiai/lmslink/internal/config"
)

func TestOpenLocalStoreSingleWriter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "lmslink.db")

	store, err := Open(ctx, config.StoreConfig{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.FileExists(t, path)
	assert.Equal(t, driverLibsql, store.Driver())
	assert.Equal(t, 1, store.DB.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	assert.Contains(t, journalMode, "wal")

	var busyTimeout int
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, localBusyTimeoutMs, busyTimeout)

	require.NoError(t, store.CheckHealth(ctx))
}

func TestMigrateCreatesClientTables(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"response_cache", "credentials", "rate_limits"} {
		var name string
		err := store.DB.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s", table)
		assert.Equal(t, table, name)
	}
}
