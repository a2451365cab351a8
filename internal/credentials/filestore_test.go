package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore("")
	assert.Error(t, err)
}

func TestFileStore_MissingCredentialIsEmptyNotError(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	token, err := store.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	cred, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, cred.Token)
	assert.Empty(t, cred.Username)
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, Credential{Token: "secret-token", Username: "alice"}))

	cred, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", cred.Token)
	assert.Equal(t, "alice", cred.Username)

	// A fresh store over the same directory reads the same credential.
	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	token, err := reopened.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)
}

func TestFileStore_TokenNotStoredInPlaintext(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, Credential{Token: "very-secret-value"}))

	raw, err := os.ReadFile(filepath.Join(dir, "credential.bin"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-secret-value")
}

func TestFileStore_SaveReplacesExistingCredential(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, Credential{Token: "old"}))
	require.NoError(t, store.Save(ctx, Credential{Token: "new", Username: "bob"}))

	cred, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "new", cred.Token)
	assert.Equal(t, "bob", cred.Username)
}

func TestFileStore_ClearRemovesCredentialAndKey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, Credential{Token: "secret"}))
	require.NoError(t, store.Clear(ctx))

	token, err := store.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	for _, name := range []string{"credential.bin", "credential.key"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.True(t, os.IsNotExist(err), "%s should be gone", name)
	}

	// Clearing an already-empty store is fine.
	assert.NoError(t, store.Clear(ctx))

	// A later sign-in generates a fresh key.
	require.NoError(t, store.Save(ctx, Credential{Token: "next"}))
	next, err := store.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", next)
}

func TestFileStore_TamperedCredentialFailsToUnseal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, Credential{Token: "secret"}))

	path := filepath.Join(dir, "credential.bin")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = store.Load(ctx)
	assert.Error(t, err)
}
