package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 9001
	cfg.Roots = []RootConfig{
		{TreeType: "LOCAL", Path: "/home/user/docs", FriendlyName: "Docs"},
		{TreeType: "GDRIVE", Remote: "gdrive:", FriendlyName: "Drive"},
	}

	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9001, loaded.Server.Port)
	require.Len(t, loaded.Roots, 2)
	assert.Equal(t, "LOCAL", loaded.Roots[0].TreeType)
	assert.Equal(t, "/home/user/docs", loaded.Roots[0].Path)
	assert.Equal(t, "GDRIVE", loaded.Roots[1].TreeType)
	assert.Equal(t, "gdrive:", loaded.Roots[1].Remote)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownConflictPolicy(t *testing.T) {
	cfg := Default()
	cfg.Op.DirConflictPolicy = "BOGUS"
	assert.Error(t, cfg.Validate())
}

func TestValidateRootsRequiresPathOrRemote(t *testing.T) {
	cfg := Default()
	cfg.Roots = []RootConfig{{TreeType: "LOCAL"}}
	assert.Error(t, cfg.Validate())

	cfg.Roots = []RootConfig{{TreeType: "GDRIVE"}}
	assert.Error(t, cfg.Validate())

	cfg.Roots = []RootConfig{{TreeType: "BOGUS"}}
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsWellFormedRoots(t *testing.T) {
	cfg := Default()
	cfg.Roots = []RootConfig{
		{TreeType: "LOCAL", Path: "/tmp/x", FriendlyName: "X"},
	}
	assert.NoError(t, cfg.Validate())
}

func TestValidateEncryptRequiresGDriveAndPasswordEnvVar(t *testing.T) {
	cfg := Default()
	cfg.Roots = []RootConfig{
		{TreeType: "LOCAL", Path: "/tmp/x", FriendlyName: "X", Encrypt: EncryptConfig{Enabled: true, PasswordEnvVar: "X"}},
	}
	assert.Error(t, cfg.Validate())

	cfg.Roots = []RootConfig{
		{TreeType: "GDRIVE", Remote: "gdrive:", FriendlyName: "Drive", Encrypt: EncryptConfig{Enabled: true}},
	}
	assert.Error(t, cfg.Validate())

	cfg.Roots = []RootConfig{
		{TreeType: "GDRIVE", Remote: "gdrive:", FriendlyName: "Drive", Encrypt: EncryptConfig{Enabled: true, PasswordEnvVar: "SYNCAGENT_CRYPT_PW"}},
	}
	assert.NoError(t, cfg.Validate())
}

func TestInterpolateProjectDir(t *testing.T) {
	cfg := Default()
	cfg.Storage.CacheDirPath = "$PROJECT_DIR/cache"
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.NotContains(t, loaded.Storage.CacheDirPath, "$PROJECT_DIR")
}
