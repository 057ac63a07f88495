package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("DISPATCH_DATABASE_URL", "postgres://localhost/dispatch")
	t.Setenv("DISPATCH_JWT_SECRET", "s3cret")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/dispatch", cfg.Database.URL)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10.0, cfg.Dispatch.RadiusKm)
	assert.Equal(t, 20, cfg.Dispatch.MaxCandidates)
	assert.Equal(t, 30*time.Minute, cfg.Dispatch.BroadcastTTL)
	assert.Equal(t, 5, cfg.OTP.MaxFailures)
	assert.Equal(t, 15*time.Minute, cfg.OTP.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	body := `
database:
  url: postgres://file/dispatch
jwt:
  secret: from-file
dispatch:
  radius_km: 4.5
  max_candidates: 7
redis:
  addr: localhost:6379
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("DISPATCH_DISPATCH_MAX_CANDIDATES", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/dispatch", cfg.Database.URL)
	assert.Equal(t, 4.5, cfg.Dispatch.RadiusKm)
	assert.Equal(t, 9, cfg.Dispatch.MaxCandidates)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRequiresDatabaseAndSecret(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")

	t.Setenv("DISPATCH_DATABASE_URL", "postgres://localhost/dispatch")
	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}
