package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/north-cloud/audit-orchestrator/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
database:
  host: db.internal
  database: audits
redis:
  addr: cache.internal:6379
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "audit-orchestrator", cfg.Service.Name)
	assert.Equal(t, ":8095", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "postgres", cfg.Database.User)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.False(t, cfg.Cluster.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Cluster.HeartbeatInterval)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
debug: true
server:
  address: ":9000"
  read_timeout: 5s
database:
  host: db.internal
  port: 5433
  user: auditor
  password: secret
  database: audits
  sslmode: require
redis:
  addr: cache.internal:6379
  db: 2
cluster:
  enabled: true
  heartbeat_interval: 3s
`))
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.True(t, cfg.Cluster.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t,
		"host=db.internal port=5433 user=auditor password=secret dbname=audits sslmode=require",
		cfg.Database.DSN(),
	)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "env-db")
	t.Setenv("POSTGRES_PORT", "15432")
	t.Setenv("REDIS_ADDR", "env-cache:6379")
	t.Setenv("APP_DEBUG", "yes")
	t.Setenv("ORCHESTRATOR_PORT", "9100")

	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "env-db", cfg.Database.Host)
	assert.Equal(t, 15432, cfg.Database.Port)
	assert.Equal(t, "env-cache:6379", cfg.Redis.Addr)
	assert.True(t, cfg.Debug)
	assert.Equal(t, ":9100", cfg.Server.Address)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := config.Load(writeConfig(t, "database: [not a mapping"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "missing database host",
			mutate:  func(c *config.Config) { c.Database.Host = "" },
			wantErr: "database.host is required",
		},
		{
			name:    "missing redis addr",
			mutate:  func(c *config.Config) { c.Redis.Addr = "" },
			wantErr: "redis.addr is required",
		},
		{
			name: "cluster enabled without heartbeat",
			mutate: func(c *config.Config) {
				c.Cluster.Enabled = true
				c.Cluster.HeartbeatInterval = 0
			},
			wantErr: "cluster.heartbeat_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, minimalConfig))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
