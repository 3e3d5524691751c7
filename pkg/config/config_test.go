package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, Default(), *cfg)
	_, ok := cfg.Launch.ServiceUIDValue()
	assert.False(t, ok)

	assert.ErrorContains(t, cfg.Validate(), "auth.key_file is required")
	cfg.Auth.KeyFile = "/etc/steplaunch/key"
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steplaunch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
launch:
  timeout: 3s
  tree_width: 8
  service_uid: 450
auth:
  key_file: /etc/steplaunch/key
kvs:
  backend: redis
  ttl: 10m
  redis:
    address: redis:6379
    db: 2
events:
  enabled: true
  nats:
    url: nats://bus:4222
logging:
  format: text
`), 0o644))

	t.Setenv("STEPLAUNCH_KVS_REDIS_KEY_PREFIX", "job42:")
	t.Setenv("STEPLAUNCH_LOGGING_LEVEL", "debug")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3*time.Second, cfg.Launch.Timeout)
	assert.Equal(t, 8, cfg.Launch.TreeWidth)
	uid, ok := cfg.Launch.ServiceUIDValue()
	assert.True(t, ok)
	assert.Equal(t, uint32(450), uid)

	assert.Equal(t, BackendRedis, cfg.KVS.Backend)
	assert.Equal(t, 10*time.Minute, cfg.KVS.TTL)
	assert.Equal(t, "redis:6379", cfg.KVS.Redis.Address)
	assert.Equal(t, 2, cfg.KVS.Redis.DB)
	assert.Equal(t, "job42:", cfg.KVS.Redis.KeyPrefix)

	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "nats://bus:4222", cfg.Events.NATS.URL)
	assert.Equal(t, "steplaunch.events", cfg.Events.SubjectPrefix)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, ":6818", cfg.Node.ListenAddr, "untouched sections keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"timeout", func(c *Config) { c.Launch.Timeout = 0 }, "launch.timeout"},
		{"width", func(c *Config) { c.Launch.TreeWidth = 0 }, "launch.tree_width"},
		{"service uid", func(c *Config) { c.Launch.ServiceUID = -5 }, "launch.service_uid"},
		{"backend", func(c *Config) { c.KVS.Backend = "etcd" }, "kvs.backend"},
		{"kvs ttl", func(c *Config) { c.KVS.TTL = -time.Second }, "kvs.ttl"},
		{"exporter", func(c *Config) { c.Observability.TraceExporter = "jaeger" }, "trace_exporter"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.KeyFile = "key"
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "node", "n1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"node":"n1"`)

	buf.Reset()
	logger, err = LoggingConfig{Level: "info", Format: "text"}.NewLogger(&buf)
	require.NoError(t, err)
	logger.Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
