package secrets_test

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"memloop/internal/secrets"
)

// Contract: secret values leave the store only through Get; every other
// surface redacts.
func Test_Store_RedactsValues_When_StringifiedOrSerialized(t *testing.T) {
	t.Parallel()

	store := secrets.NewStore(map[string]string{"api_key": "hunter2"})

	require.Equal(t, "[ProtectedSecrets]", store.String())
	require.Equal(t, "[ProtectedSecrets]", fmt.Sprintf("%v", store))
	require.Equal(t, "[ProtectedSecrets]", fmt.Sprintf("%+v", store))

	data, err := json.Marshal(store)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hunter2")
	require.Contains(t, string(data), "api_key")
}

func Test_Store_ReturnsValue_When_GetCalled(t *testing.T) {
	t.Parallel()

	store := secrets.NewStore(map[string]string{"token": "abc"})

	value, ok := store.Get("token")
	require.True(t, ok)
	require.Equal(t, "abc", value)

	_, ok = store.Get("missing")
	require.False(t, ok)

	require.True(t, store.Has("token"))
	require.Equal(t, []string{"token"}, store.Keys())
}

func Test_LoadDir_MergesYAMLFiles_When_DirExists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("api_key: one\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("token: two\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignore.txt"), []byte("x: y\n"), 0o600))

	store, err := secrets.LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"api_key", "token"}, store.Keys())
}

func Test_LoadDir_ReturnsEmptyStore_When_DirMissing(t *testing.T) {
	t.Parallel()

	store, err := secrets.LoadDir(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, store.Keys())
}
