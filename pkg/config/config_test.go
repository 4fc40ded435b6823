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
	t.Setenv(configFileEnv, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "touch", cfg.Ingest.FilePrefix)
	assert.Equal(t, 90*24*time.Hour, cfg.Ledger.Retention)
	assert.Equal(t, ":8080", cfg.HTTP.Address())
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
ingest:
  drop_dirs: [/srv/a, /srv/b]
  schedule: "@every 1h"
mail:
  senders: [boiler@example.com]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv(configFileEnv, path)
	t.Setenv("INGEST_SCHEDULE", "30 2 * * *")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/a", "/srv/b"}, cfg.Ingest.DropDirs)
	assert.Equal(t, "30 2 * * *", cfg.Ingest.Schedule)
	assert.Equal(t, []string{"boiler@example.com"}, cfg.Mail.Senders)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled())
}

func TestValidate_RejectsBadSchedule(t *testing.T) {
	cfg := Default()
	cfg.Ingest.Schedule = "every now and then"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Ingest.DropDirs = nil
	assert.Error(t, cfg.Validate())
}

func TestValidate_LockTTLMustOutliveCycle(t *testing.T) {
	cfg := Default()
	cfg.Redis.LockTTL = 0
	assert.NoError(t, cfg.Validate(), "ttl is unused without redis")

	cfg.Redis.Addr = "localhost:6379"
	assert.Error(t, cfg.Validate())

	cfg.Redis.LockTTL = cfg.Ingest.CycleTimeout
	assert.Error(t, cfg.Validate())

	cfg.Redis.LockTTL = cfg.Ingest.CycleTimeout + time.Minute
	assert.NoError(t, cfg.Validate())

	cfg.Ingest.CycleTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestIngest_StagingDir(t *testing.T) {
	cfg := Default()
	assert.Equal(t, filepath.Join("data/import", ".incoming"), cfg.Ingest.Staging())
	require.NoError(t, cfg.Validate())

	cfg.Ingest.StagingDir = "data/import/"
	assert.Error(t, cfg.Validate())
}
