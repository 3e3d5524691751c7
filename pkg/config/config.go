// Package config loads the configuration shared by steplaunch and stepd.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// config file, STEPLAUNCH_* environment variables (dots become
// underscores, e.g. STEPLAUNCH_KVS_BACKEND) and command line flags bound
// to the returned viper instance.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	natsdriver "github.com/shizhuolin/slurm/pkg/drivers/nats"
	redisdriver "github.com/shizhuolin/slurm/pkg/drivers/redis"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "STEPLAUNCH"

// KVS backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds the configuration of both commands
type Config struct {
	Launch        LaunchConfig        `mapstructure:"launch"`
	Auth          AuthConfig          `mapstructure:"auth"`
	KVS           KVSConfig           `mapstructure:"kvs"`
	Events        EventsConfig        `mapstructure:"events"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Node          NodeConfig          `mapstructure:"node"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// LaunchConfig holds launcher settings
type LaunchConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	IOListenAddr string        `mapstructure:"io_listen_addr"`
	Timeout      time.Duration `mapstructure:"timeout"`
	TreeWidth    int           `mapstructure:"tree_width"`
	// ServiceUID is the uid of the cluster service account, -1 for none.
	ServiceUID int64 `mapstructure:"service_uid"`
}

// AuthConfig holds credential settings
type AuthConfig struct {
	KeyFile string        `mapstructure:"key_file"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// KVSConfig selects the PMI key-value backend
type KVSConfig struct {
	Backend string `mapstructure:"backend"`
	// TTL expires exchanged pairs; zero keeps them for the step's lifetime.
	TTL   time.Duration      `mapstructure:"ttl"`
	Redis redisdriver.Config `mapstructure:"redis"`
}

// EventsConfig holds lifecycle event publishing settings
type EventsConfig struct {
	Enabled       bool              `mapstructure:"enabled"`
	SubjectPrefix string            `mapstructure:"subject_prefix"`
	NATS          natsdriver.Config `mapstructure:"nats"`
}

// ObservabilityConfig holds metrics and tracing settings
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics, /health and /ready; empty disables it.
	MetricsAddr   string `mapstructure:"metrics_addr"`
	EnableTracing bool   `mapstructure:"enable_tracing"`
	TraceExporter string `mapstructure:"trace_exporter"`
}

// NodeConfig holds node daemon settings
type NodeConfig struct {
	Name          string        `mapstructure:"name"`
	ListenAddr    string        `mapstructure:"listen_addr"`
	HealthAddr    string        `mapstructure:"health_addr"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryMax      time.Duration `mapstructure:"retry_max"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Launch: LaunchConfig{
			ListenAddr:   ":0",
			IOListenAddr: ":0",
			Timeout:      10 * time.Second,
			TreeWidth:    50,
			ServiceUID:   -1,
		},
		Auth: AuthConfig{TTL: 5 * time.Minute},
		KVS: KVSConfig{
			Backend: BackendMemory,
			Redis:   redisdriver.Config{Address: "localhost:6379", KeyPrefix: "steplaunch:kvs:"},
		},
		Events: EventsConfig{
			SubjectPrefix: "steplaunch.events",
			NATS:          natsdriver.Config{URL: "nats://127.0.0.1:4222"},
		},
		Observability: ObservabilityConfig{TraceExporter: "stdout"},
		Node: NodeConfig{
			ListenAddr:    ":6818",
			RetryAttempts: 5,
			RetryBase:     100 * time.Millisecond,
			RetryMax:      2 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// New returns a viper instance carrying the defaults and the environment
// bindings. Commands bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	d := Default()

	v.SetDefault("launch.listen_addr", d.Launch.ListenAddr)
	v.SetDefault("launch.io_listen_addr", d.Launch.IOListenAddr)
	v.SetDefault("launch.timeout", d.Launch.Timeout)
	v.SetDefault("launch.tree_width", d.Launch.TreeWidth)
	v.SetDefault("launch.service_uid", d.Launch.ServiceUID)

	v.SetDefault("auth.key_file", d.Auth.KeyFile)
	v.SetDefault("auth.ttl", d.Auth.TTL)

	v.SetDefault("kvs.backend", d.KVS.Backend)
	v.SetDefault("kvs.ttl", d.KVS.TTL)
	v.SetDefault("kvs.redis.address", d.KVS.Redis.Address)
	v.SetDefault("kvs.redis.password", "")
	v.SetDefault("kvs.redis.db", 0)
	v.SetDefault("kvs.redis.key_prefix", d.KVS.Redis.KeyPrefix)

	v.SetDefault("events.enabled", d.Events.Enabled)
	v.SetDefault("events.subject_prefix", d.Events.SubjectPrefix)
	v.SetDefault("events.nats.url", d.Events.NATS.URL)

	v.SetDefault("observability.metrics_addr", d.Observability.MetricsAddr)
	v.SetDefault("observability.enable_tracing", d.Observability.EnableTracing)
	v.SetDefault("observability.trace_exporter", d.Observability.TraceExporter)

	v.SetDefault("node.name", d.Node.Name)
	v.SetDefault("node.listen_addr", d.Node.ListenAddr)
	v.SetDefault("node.health_addr", d.Node.HealthAddr)
	v.SetDefault("node.retry_attempts", d.Node.RetryAttempts)
	v.SetDefault("node.retry_base", d.Node.RetryBase)
	v.SetDefault("node.retry_max", d.Node.RetryMax)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if not empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings shared by both commands.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.KeyFile == "" {
		errs = append(errs, errors.New("auth.key_file is required"))
	}
	if c.Launch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("launch.timeout must be positive, got %s", c.Launch.Timeout))
	}
	if c.Launch.TreeWidth < 1 {
		errs = append(errs, fmt.Errorf("launch.tree_width must be at least 1, got %d", c.Launch.TreeWidth))
	}
	if c.Launch.ServiceUID < -1 || c.Launch.ServiceUID > int64(^uint32(0)) {
		errs = append(errs, fmt.Errorf("launch.service_uid out of range: %d", c.Launch.ServiceUID))
	}
	switch c.KVS.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("kvs.backend must be %q or %q, got %q", BackendMemory, BackendRedis, c.KVS.Backend))
	}
	if c.KVS.TTL < 0 {
		errs = append(errs, fmt.Errorf("kvs.ttl must not be negative, got %s", c.KVS.TTL))
	}
	switch c.Observability.TraceExporter {
	case "stdout", "none":
	default:
		errs = append(errs, fmt.Errorf("observability.trace_exporter must be stdout or none, got %q", c.Observability.TraceExporter))
	}
	if _, err := c.Logging.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// ServiceUIDValue returns the configured service account uid, if any.
func (c LaunchConfig) ServiceUIDValue() (uint32, bool) {
	if c.ServiceUID < 0 {
		return 0, false
	}
	return uint32(c.ServiceUID), true
}

func (l LoggingConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w.
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
