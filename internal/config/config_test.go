package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, 10*time.Second, cfg.Scanner.CaptureTimeout)
	assert.Equal(t, time.Second, cfg.Scanner.ProbeTimeout)
	assert.Equal(t, "ISO", cfg.Scanner.TemplateFormat)
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiosk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_port: "9000"
store_backend: memory
scanner:
  url: https://scanner.local:8443
  capture_timeout: 15s
  quality_floor: 70
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SCANNER_QUALITY_FLOOR", "80")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, "https://scanner.local:8443", cfg.Scanner.URL)
	assert.Equal(t, 15*time.Second, cfg.Scanner.CaptureTimeout)
	assert.Equal(t, 80, cfg.Scanner.QualityFloor)
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("CAPTURE_TIMEOUT", "soon")
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Scanner.CaptureTimeout)
	assert.Equal(t, 120, cfg.RateLimitPerMin)
}

func TestValidate(t *testing.T) {
	cfg := defaults()
	cfg.Env = "production"
	require.Error(t, cfg.Validate())

	cfg.JWTSigningKey = "real-secret"
	require.NoError(t, cfg.Validate())

	cfg.StoreBackend = "sqlite"
	require.Error(t, cfg.Validate())
}
