package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.True(t, cfg.SweepEnabled)
	assert.Equal(t, 3, cfg.RecomputeMaxAttempts)
	assert.Equal(t, int64(125000), cfg.GoalDefaultTarget)
	assert.Empty(t, cfg.RedisAddr)

	rate, err := cfg.GoalRate()
	require.NoError(t, err)
	assert.Equal(t, "20", rate.String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADDRESS", ":9999")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("DEFAULT_TIMEZONE", "Europe/Prague")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Address)
	assert.Equal(t, 15*time.Minute, cfg.SweepInterval)
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Prague", loc.String())
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Origins())
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DB_PATH=from-dotenv.db\nAPPROVAL_RATE_BURST=7\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("DB_PATH")
		os.Unsetenv("APPROVAL_RATE_BURST")
	})

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "from-dotenv.db", cfg.DBPath)
	assert.Equal(t, 7, cfg.ApprovalRateBurst)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Setenv("DEFAULT_TIMEZONE", "Mars/Olympus")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("DEFAULT_TIMEZONE", "UTC")
	t.Setenv("GOAL_DEFAULT_RATE", "twenty")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("GOAL_DEFAULT_RATE", "20")
	t.Setenv("RECOMPUTE_MAX_ATTEMPTS", "0")
	_, err = Load()
	assert.Error(t, err)
}
