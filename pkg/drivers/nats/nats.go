package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Conn is a NATS connection used to publish step events
type Conn struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// Config holds NATS-specific configuration
type Config struct {
	URL           string        `yaml:"url" mapstructure:"url"`
	MaxReconnects int           `yaml:"max_reconnects" mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
	PingInterval  time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 20 * time.Second
	}
}

// Connect dials the NATS server described by cfg
func Connect(cfg Config, logger *slog.Logger) (*Conn, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Conn{conn: conn, logger: logger}, nil
}

// Publish sends data on subject
func (c *Conn) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far
func (c *Conn) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

// Close drains and closes the connection
func (c *Conn) Close() error {
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("error draining NATS connection", "error", err)
		c.conn.Close()
	}
	return nil
}
