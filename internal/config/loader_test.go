package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithNoConfigFile(t *testing.T) {
	os.Unsetenv("CONFIG_PATH")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, JournalBackendMemory, cfg.Journal.Backend)
	assert.Equal(t, NoSQLBackendMemory, cfg.NoSQL.Backend)
	assert.Equal(t, 300, cfg.Checkpoint.IntervalSeconds)
	assert.Equal(t, 31, cfg.Retry.BaseDelayMs)
	assert.Equal(t, 12, cfg.Retry.MaxAttempts)
}

func TestLoad_EnvOverridesJournalBackend(t *testing.T) {
	os.Setenv("PBS_JOURNAL_BACKEND", "bolt")
	defer os.Unsetenv("PBS_JOURNAL_BACKEND")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, JournalBackendBolt, cfg.Journal.Backend)
}

func TestLoad_EnvOverridesLogLevel(t *testing.T) {
	os.Setenv("PBS_LOG_LEVEL", "debug")
	defer os.Unsetenv("PBS_LOG_LEVEL")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingConfigPathReturnsError(t *testing.T) {
	os.Setenv("CONFIG_PATH", "/nonexistent/pbs.yaml")
	defer os.Unsetenv("CONFIG_PATH")

	_, err := Load()
	assert.Error(t, err)
}

func TestCheckpointInterval_ConvertsSecondsToDuration(t *testing.T) {
	cfg := Default()
	cfg.Checkpoint.IntervalSeconds = 120
	assert.Equal(t, 120_000_000_000, int(cfg.CheckpointInterval()))
}
