package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/domain/knowledge"
)

func TestLoad_RequiresDatabaseAndRedis(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("APP_CONFIG_FILE", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("APP_CONFIG_FILE", "")
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("DATABASE_URL", "file::memory:")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("HOT_SET_MAX", "20")
	t.Setenv("SWEEP_THRESHOLD", "2.5")
	t.Setenv("SWEEP_USE_LOCK", "false")
	t.Setenv("IMPORT_BATCH_SIZE", "25")
	t.Setenv("VECTOR_BACKEND", "none")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 20, cfg.Knowledge.HotSetMax)
	assert.InDelta(t, 2.5, cfg.Knowledge.SweepThreshold, 1e-9)
	assert.False(t, cfg.Knowledge.SweepUseLock)
	assert.Equal(t, 25, cfg.Broker.BatchSize)
	assert.False(t, cfg.Knowledge.HasVector())
	assert.Equal(t, "0 0 * * *", cfg.Knowledge.SweepSchedule)
	assert.Equal(t, 3, cfg.Broker.MaxAttempts)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"database": {"url": "postgres://file"},
		"redis": {"url": "redis://file"},
		"knowledge": {"hot_set_max": 80, "vector_backend": "qdrant", "embedding_api_key": "k"}
	}`), 0o600))
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("REDIS_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Database.URL)
	assert.Equal(t, "redis://file", cfg.Redis.URL)
	assert.Equal(t, 80, cfg.Knowledge.HotSetMax)
	assert.Equal(t, knowledge.VectorBackendQdrant, cfg.Knowledge.VectorBackend)
	assert.Equal(t, 3, cfg.Knowledge.VectorTopK)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		wantErr string
	}{
		{"ok", func(*AppConfig) {}, ""},
		{"driver", func(c *AppConfig) { c.Database.Driver = "mysql" }, "DATABASE_DRIVER"},
		{"backend", func(c *AppConfig) { c.Knowledge.VectorBackend = "milvus" }, "VECTOR_BACKEND"},
		{"embedding key", func(c *AppConfig) { c.Knowledge.VectorBackend = knowledge.VectorBackendOpenSearch }, "EMBEDDING_API_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			c.Database.URL = "postgres://x"
			c.Redis.URL = "redis://x"
			tt.mutate(c)
			err := c.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
