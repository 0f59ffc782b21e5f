package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	created, err := LoadOrCreateIdentity(path, "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, created.ClientID)
	require.NotNil(t, created.KeyPair)

	// Same file, same passphrase: the identity is stable across sessions.
	loaded, err := LoadOrCreateIdentity(path, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, created.ClientID, loaded.ClientID)
	assert.True(t, created.KeyPair.Public.Equal(loaded.KeyPair.Public))
}

func TestLoadIdentityWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	_, err := LoadOrCreateIdentity(path, "correct")
	require.NoError(t, err)

	_, err = LoadOrCreateIdentity(path, "wrong")
	assert.ErrorIs(t, err, ErrKeystoreLocked)
}
