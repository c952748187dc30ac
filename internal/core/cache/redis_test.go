package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEscapeGlob(t *testing.T) {
	require.Equal(t, `courses/1\*`, escapeGlob("courses/1*"))
	require.Equal(t, `a\?b\[c\]\\`, escapeGlob(`a?b[c]\`))
	require.Equal(t, "plain", escapeGlob("plain"))
}

func TestNewRedisBackendDefaultsPrefix(t *testing.T) {
	b := NewRedisBackend(nil, "  ")
	require.Equal(t, defaultRedisPrefix, b.prefix)

	b = NewRedisBackend(nil, "custom:")
	require.Equal(t, "custom:", b.prefix)
}

func TestRedisBackendUnconnected(t *testing.T) {
	var b *RedisBackend
	require.Error(t, b.CheckHealth(context.Background()))
	require.NoError(t, b.Close())
}

func TestDialRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := DialRedis(ctx, "127.0.0.1:1", "", 0, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ping redis")
}
