package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Running.Port)
	assert.Equal(t, 15*time.Minute, cfg.Collab.IdleTTL)
	assert.Equal(t, 2*time.Second, cfg.Collab.NotifyTimeout)
	assert.Equal(t, 1000, cfg.Collab.HistoryCapacity)
	assert.False(t, cfg.Collab.AutoMerge)
	assert.Equal(t, 10_000, cfg.Dispatcher.QueueSize)
	assert.Equal(t, "collab.commits", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Empty(t, cfg.Auth.Mode)
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	yaml := `
running:
  port: 9000
collab:
  idleTTL: 0s
  autoMerge: true
kafka:
  brokers: ["k1:9092", "k2:9092"]
auth:
  mode: jwt
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte(yaml), 0o644))
	t.Setenv("COLLAB_RUNNING_PORT", "9100")
	t.Setenv("COLLAB_AUTH_JWTSECRET", "s3cret")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Running.Port)
	assert.Equal(t, time.Duration(0), cfg.Collab.IdleTTL)
	assert.True(t, cfg.Collab.AutoMerge)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "jwt", cfg.Auth.Mode)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	// untouched keys keep their defaults
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
}

func TestLoad_BadFile(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte("running: [oops"), 0o644))
	_, err := Load(dir)
	assert.Error(t, err)
}
