package infra

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chdir переводит тест во временный каталог, чтобы не подхватить чужой config.yaml.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Gate.HighRiskMinAnchors)
	assert.Equal(t, "process", cfg.Release.ChainScope)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, []string{"admissibility_proof.pdf"}, cfg.Packet.ReportNames)
	assert.False(t, cfg.IsProduction())
	assert.Nil(t, cfg.Release.PrivateKey)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	yaml := `
server:
  port: 9000
  environment: production
gate:
  support_mode: ollama
  reliability:
    attempts: 5
    open_timeout: 1m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	keys, err := GenerateEd25519Keys()
	require.NoError(t, err)
	privPEM, err := keys.MarshalPrivatePEM()
	require.NoError(t, err)
	t.Setenv("RELEASE_CERT_PRIVATE_KEY_B64", base64.StdEncoding.EncodeToString(privPEM))
	t.Setenv("RELEASE_CERT_PUBLIC_KEY_B64", base64.StdEncoding.EncodeToString(keys.PublicPEM))
	t.Setenv("EVIDENCE_MASTER_KEY_B64", " master \n")
	t.Setenv("SERVER_PORT", "9100")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "ollama", cfg.Gate.SupportMode)
	assert.Equal(t, uint(5), cfg.Gate.Reliability.Attempts)
	assert.Equal(t, time.Minute, cfg.Gate.Reliability.OpenTimeout)
	assert.Equal(t, "master", cfg.Shredder.MasterKeyB64)

	loaded, err := LoadSigningKeys(cfg.Release)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, keys.Public, loaded.Public)
	assert.False(t, loaded.Ephemeral)
}

func TestLoadSigningKeys_Missing(t *testing.T) {
	keys, err := LoadSigningKeys(ReleaseConfig{})
	require.NoError(t, err)
	assert.Nil(t, keys)
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		logger, err := NewLogger(LoggerConfig{Level: "debug", Format: format})
		require.NoError(t, err)
		require.NotNil(t, logger)
	}
	_, err := NewLogger(LoggerConfig{Level: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(LoggerConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
