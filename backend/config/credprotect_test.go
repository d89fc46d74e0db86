package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptCredentialFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"token":"secret"}`), 0600))

	salt, err := NewCredentialSalt()
	require.NoError(t, err)
	key := DeriveCredentialKey("hunter2", salt)

	require.NoError(t, EncryptCredentialFile(path, key))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".enc")
	assert.NoError(t, err)

	require.NoError(t, DecryptCredentialFile(path, key))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"token":"secret"}`, string(got))
}

func TestDecryptCredentialFileWrongKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("secret"), 0600))

	salt, err := NewCredentialSalt()
	require.NoError(t, err)
	key := DeriveCredentialKey("correct-password", salt)
	require.NoError(t, EncryptCredentialFile(path, key))

	wrongKey := DeriveCredentialKey("wrong-password", salt)
	err = DecryptCredentialFile(path, wrongKey)
	assert.Error(t, err)
}

func TestEncodeDecodeSaltRoundTrip(t *testing.T) {
	salt, err := NewCredentialSalt()
	require.NoError(t, err)
	encoded := EncodeSalt(salt)
	decoded, err := DecodeSalt(encoded)
	require.NoError(t, err)
	assert.Equal(t, salt, decoded)
}
