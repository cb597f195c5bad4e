package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("COLLAB_JWT_SECRET", "s3cret")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Addr)
	assert.Equal(t, DefaultDBPath, cfg.DBPath)
	assert.Equal(t, DefaultRetentionKeep, cfg.RetentionKeep)
	assert.Equal(t, DefaultRetentionInterval, cfg.RetentionInterval)
	assert.Empty(t, cfg.RedisAddr)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COLLAB_JWT_SECRET", "s3cret")
	t.Setenv("COLLAB_ADDR", ":9999")
	t.Setenv("COLLAB_DB_PATH", "/tmp/x.db")
	t.Setenv("COLLAB_REDIS_ADDR", "localhost:6379")
	t.Setenv("COLLAB_RETENTION_KEEP", "10")
	t.Setenv("COLLAB_RETENTION_INTERVAL", "30s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 10, cfg.RetentionKeep)
	assert.Equal(t, 30*time.Second, cfg.RetentionInterval)
}

func TestFromEnvRequiresSecret(t *testing.T) {
	t.Setenv("COLLAB_JWT_SECRET", "")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("COLLAB_JWT_SECRET", "s3cret")
	t.Setenv("COLLAB_RETENTION_KEEP", "lots")

	_, err := FromEnv()
	assert.Error(t, err)

	t.Setenv("COLLAB_RETENTION_KEEP", "5")
	t.Setenv("COLLAB_RETENTION_INTERVAL", "soon")

	_, err = FromEnv()
	assert.Error(t, err)
}
