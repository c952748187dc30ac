package credential

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecretBoxSealerRoundTrip(t *testing.T) {
	sealer, err := NewSecretBoxSealer([]byte(strings.Repeat("k", keySize)))
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "payload")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "payload", string(opened))

	other, err := NewSecretBoxSealer([]byte(strings.Repeat("x", keySize)))
	require.NoError(t, err)
	_, err = other.Open(sealed)
	require.ErrorIs(t, err, ErrSealedBlob)

	_, err = sealer.Open([]byte("short"))
	require.ErrorIs(t, err, ErrSealedBlob)
}

func TestNewSecretBoxSealerRejectsShortKey(t *testing.T) {
	_, err := NewSecretBoxSealer([]byte("short"))
	require.Error(t, err)
}

func TestParseHexKey(t *testing.T) {
	key, err := ParseHexKey(strings.Repeat("ab", keySize))
	require.NoError(t, err)
	require.Len(t, key, keySize)

	_, err = ParseHexKey("zz")
	require.Error(t, err)
	_, err = ParseHexKey("abcd")
	require.Error(t, err)
}

func TestLoadOrCreateKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "credential.key")

	first, err := LoadOrCreateKeyFile(path)
	require.NoError(t, err)
	require.Len(t, first, keySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := LoadOrCreateKeyFile(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
