package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSigningKey_UsesConfiguredValueWhenPresent(t *testing.T) {
	key, err := ResolveSigningKey("a-real-operator-chosen-secret-key", filepath.Join(t.TempDir(), "signing.key"))

	require.NoError(t, err)
	assert.Equal(t, "a-real-operator-chosen-secret-key", key)
}

func TestResolveSigningKey_RejectsLiteralPlaceholder(t *testing.T) {
	_, err := ResolveSigningKey("super-secret", filepath.Join(t.TempDir(), "signing.key"))
	assert.Error(t, err)
}

func TestResolveSigningKey_DerivesAndPersistsWhenUnconfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	key, err := ResolveSigningKey("", path)
	require.NoError(t, err)
	assert.Len(t, key, 64) // hex-encoded 32 random bytes

	persisted, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, key, string(persisted))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestResolveSigningKey_ReusesPersistedKeyAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")

	first, err := ResolveSigningKey("", path)
	require.NoError(t, err)

	second, err := ResolveSigningKey("", path)
	require.NoError(t, err)

	assert.Equal(t, first, second, "a restart must not invalidate every outstanding session cookie")
}
