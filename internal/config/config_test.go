package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULTD_STORE_URL", "postgres://localhost/vaultd")
	t.Setenv("VAULTD_CHAIN_RPC_URL", "http://localhost:8899")
	t.Setenv("VAULTD_PAYER_KEYPAIR_PATH", "/keys/payer.json")
	t.Setenv("VAULTD_AUTHORITY_KEYPAIR_PATH", "/keys/authority.json")
	t.Setenv("VAULTD_PROGRAM_ID", "Vau1t1111111111111111111111111111111111111")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 10, cfg.StorePoolSize)
	require.Equal(t, 8080, cfg.IngressPort)
	require.Equal(t, 3, cfg.MaxRetries)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingRequiredFieldErrors(t *testing.T) {
	t.Setenv("VAULTD_STORE_URL", "")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadOverlayFillsUnsetEnv(t *testing.T) {
	t.Setenv("VAULTD_PAYER_KEYPAIR_PATH", "/keys/payer.json")
	t.Setenv("VAULTD_AUTHORITY_KEYPAIR_PATH", "/keys/authority.json")

	dir := t.TempDir()
	overlayPath := filepath.Join(dir, "overlay.yaml")
	overlay := "store_url: postgres://overlay/vaultd\nchain_rpc_url: http://overlay:8899\nprogram_id: OverlayProgram1111111111111111111111111\ningress_port: 9090\n"
	require.NoError(t, os.WriteFile(overlayPath, []byte(overlay), 0o600))

	cfg, err := Load(overlayPath)
	require.NoError(t, err)
	require.Equal(t, "postgres://overlay/vaultd", cfg.StoreURL)
	require.Equal(t, 9090, cfg.IngressPort)
}

func TestLoadOverlayNeverOverridesRealEnv(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("VAULTD_INGRESS_PORT", "1234")

	dir := t.TempDir()
	overlayPath := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(overlayPath, []byte("ingress_port: 9090\n"), 0o600))

	cfg, err := Load(overlayPath)
	require.NoError(t, err)
	require.Equal(t, 1234, cfg.IngressPort)
}
