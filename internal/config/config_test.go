package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"memvault-backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.Embedding.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Embedding.BatchAge)
	assert.Equal(t, 1500, cfg.Embedding.RPM)
	assert.Equal(t, 50, cfg.Index.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Index.BatchAge)
	assert.Equal(t, 25, cfg.Graph.BatchSize)
	assert.Equal(t, 200, cfg.Index.SnapshotThreshold)
	assert.Equal(t, 60*time.Second, cfg.Index.SnapshotIdle)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 60, cfg.Seal.SessionTTLMin)
	assert.Equal(t, 10, cfg.Retrieval.DefaultK)
	assert.Equal(t, 0.6, cfg.Retrieval.Threshold)
	assert.Len(t, cfg.Seal.Servers, 3)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("TABLE_NAME", "memvault-prod")
	t.Setenv("EMBEDDING_RPM", "300")
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, config.Production, cfg.Environment)
	assert.Equal(t, "memvault-prod", cfg.AWS.TableName)
	assert.Equal(t, 300, cfg.Embedding.RPM)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memvault.yaml")
	body := []byte(`
embedding:
  rpm: 120
seal:
  quorum: 3
retrieval:
  default_k: 25
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.Embedding.RPM)
	assert.Equal(t, 3, cfg.Seal.Quorum)
	assert.Equal(t, 25, cfg.Retrieval.DefaultK)
	// Untouched sections keep defaults.
	assert.Equal(t, 20, cfg.Embedding.BatchSize)
}

func TestEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embedding:\n  rpm: 120\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("EMBEDDING_RPM", "77")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 77, cfg.Embedding.RPM)
}

func TestValidateRejectsBadQuorum(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Seal.Quorum = 99

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quorum")
}

func TestValidateRejectsZeroWeights(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Retrieval.Weights = config.Weights{}

	assert.Error(t, cfg.Validate())
}
