package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.FlashBitAccess)
	require.NotEmpty(t, cfg.Path)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.jsonc"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadParsesJWCCWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	writeFile(t, path, `{
		// storage.bin lives alongside the config file in this test
		"path": "/tmp/custom-storage.bin",
		"flash_bit_access": false,
		"pin_max_tries": 10,
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-storage.bin", cfg.Path)
	require.False(t, cfg.FlashBitAccess)
	require.Equal(t, 10, cfg.PinMaxTries)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	writeFile(t, path, `{ not valid json `)

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	writeFile(t, path, `{"pin_max_tries": 10, "flash_bit_access": true}`)

	t.Setenv("STORAGECTL_PIN_MAX_TRIES", "5")
	t.Setenv("STORAGECTL_FLASH_BIT_ACCESS", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.PinMaxTries)
	require.False(t, cfg.FlashBitAccess)
}

func TestEnvOverridesApplyEvenWithoutFile(t *testing.T) {
	t.Setenv("STORAGECTL_PATH", "/tmp/env-storage.bin")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.jsonc"))
	require.NoError(t, err)
	require.Equal(t, "/tmp/env-storage.bin", cfg.Path)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}
