package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("COZY_POSTGRES_DSN", "postgres://localhost/cozy")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, BackendPostgres, cfg.Matches.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 5*time.Minute, cfg.AnswerCacheTTL)
	assert.Equal(t, 0.4, cfg.Policy.SuggestThreshold)
	assert.Equal(t, 0.7, cfg.Policy.RecommendedThreshold)
	assert.Equal(t, 0.1, cfg.Policy.RefreshTolerance)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COZY_STORE_BACKEND", "memory")
	t.Setenv("COZY_MATCHES_BACKEND", "redis")
	t.Setenv("COZY_REDIS_DB", "3")
	t.Setenv("COZY_POLICY_SUGGEST_THRESHOLD", "0.55")
	t.Setenv("COZY_REQUEST_TIMEOUT", "2s")
	t.Setenv("COZY_LOG_JSON", "true")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, BackendRedis, cfg.Matches.Backend)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 0.55, cfg.Policy.SuggestThreshold)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.Log.JSON)
	assert.False(t, cfg.UsesPostgres())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matcher.yaml")
	content := `
store:
  backend: memory
matches:
  backend: dynamodb
dynamo:
  table: matches-test
  endpoint: http://localhost:8000
policy:
  recommended_threshold: 0.8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, BackendDynamo, cfg.Matches.Backend)
	assert.Equal(t, "matches-test", cfg.Dynamo.Table)
	assert.Equal(t, "http://localhost:8000", cfg.Dynamo.Endpoint)
	assert.Equal(t, 0.8, cfg.Policy.RecommendedThreshold)
	assert.Equal(t, 0.4, cfg.Policy.SuggestThreshold, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.Store.Backend = BackendMemory
		c.Matches.Backend = BackendMemory
		c.RequestTimeout = time.Second
		c.Policy.SuggestThreshold = 0.4
		c.Policy.RecommendedThreshold = 0.7
		c.Policy.RefreshTolerance = 0.1
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, true},
		{"unknown matches", func(c *Config) { c.Matches.Backend = "mongo" }, true},
		{"postgres without dsn", func(c *Config) { c.Matches.Backend = BackendPostgres }, true},
		{"postgres with dsn", func(c *Config) {
			c.Matches.Backend = BackendPostgres
			c.Postgres.DSN = "postgres://x"
		}, false},
		{"dynamo without table", func(c *Config) { c.Matches.Backend = BackendDynamo }, true},
		{"redis without addr", func(c *Config) { c.Matches.Backend = BackendRedis }, true},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, true},
		{"policy out of range", func(c *Config) { c.Policy.SuggestThreshold = 1.2 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
