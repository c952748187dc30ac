package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapiai/lmslink/internal/config"
)

func TestBuildLibsqlDSN(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "nested", "lmslink.db")

	tests := []struct {
		name    string
		cfg     config.StoreConfig
		want    string
		wantErr bool
	}{
		{
			name: "remote url gains auth token",
			cfg:  config.StoreConfig{URL: "libsql://canvas-cache.turso.io", AuthToken: "tok"},
			want: "libsql://canvas-cache.turso.io?authToken=tok",
		},
		{
			name: "explicit auth token in url wins",
			cfg:  config.StoreConfig{URL: "libsql://canvas-cache.turso.io?authToken=keep", AuthToken: "tok"},
			want: "libsql://canvas-cache.turso.io?authToken=keep",
		},
		{
			name: "url without token is untouched",
			cfg:  config.StoreConfig{URL: "  libsql://canvas-cache.turso.io  "},
			want: "libsql://canvas-cache.turso.io",
		},
		{
			name: "file prefix kept",
			cfg:  config.StoreConfig{Path: "file:" + filepath.Join(dir, "a.db")},
			want: "file:" + filepath.Join(dir, "a.db"),
		},
		{
			name: "plain path becomes file dsn",
			cfg:  config.StoreConfig{Path: plain},
			want: "file:" + plain,
		},
		{name: "memory", cfg: config.StoreConfig{Path: ":memory:"}, want: ":memory:"},
		{name: "missing", cfg: config.StoreConfig{Path: "   "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildLibsqlDSN(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.DirExists(t, filepath.Dir(plain), "plain paths create their parent directory")
}

func TestIsLocalDSN(t *testing.T) {
	assert.True(t, isLocalDSN("file:/var/lib/lmslink/lmslink.db"))
	assert.False(t, isLocalDSN("libsql://canvas-cache.turso.io"))
	assert.False(t, isLocalDSN(":memory:"))
}

func TestExtractFilePath(t *testing.T) {
	got, err := extractFilePath("file:///tmp/lmslink/lmslink.db")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/lmslink/lmslink.db", got)

	got, err = extractFilePath("file:lmslink.db")
	require.NoError(t, err)
	assert.Equal(t, "lmslink.db", got)
}

func TestRateLimitQueryValidate(t *testing.T) {
	require.Error(t, RateLimitQuery{}.Validate())
	require.Error(t, RateLimitQuery{Endpoint: "  ", Prefix: " "}.Validate())
	require.NoError(t, RateLimitQuery{All: true}.Validate())
	require.NoError(t, RateLimitQuery{Endpoint: "canvas.example.edu"}.Validate())
	require.NoError(t, RateLimitQuery{Prefix: "canvas."}.Validate())
}

func TestRateLimitQueryWhereClause(t *testing.T) {
	clause, args, err := RateLimitQuery{Prefix: "canvas."}.whereClause()
	require.NoError(t, err)
	assert.Equal(t, "WHERE endpoint LIKE ?", clause)
	assert.Equal(t, []any{"canvas.%"}, args)

	clause, args, err = RateLimitQuery{Endpoint: "canvas.example.edu", Prefix: "x"}.whereClause()
	require.NoError(t, err)
	assert.Equal(t, "WHERE endpoint = ?", clause)
	assert.Equal(t, []any{"canvas.example.edu"}, args)

	clause, args, err = RateLimitQuery{All: true}.whereClause()
	require.NoError(t, err)
	assert.Empty(t, clause)
	assert.Nil(t, args)
}

func TestNilStore(t *testing.T) {
	var s *Store
	require.NoError(t, s.Close())
	require.Error(t, s.CheckHealth(context.Background()))
	require.Error(t, s.Migrate(context.Background()))
	assert.Empty(t, s.Driver())
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "postgres", Path: ":memory:"})
	require.Error(t, err)
}
