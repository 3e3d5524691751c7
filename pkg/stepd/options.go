package stepd

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/shizhuolin/slurm/pkg/auth"
)

// Authenticator signs outgoing messages and verifies senders and step
// credentials.
type Authenticator interface {
	auth.Authenticator
	VerifyStep(c *auth.StepCredential, node string) error
}

// Option configures a Daemon
type Option func(*Daemon)

// WithAuth sets the authenticator
func WithAuth(a Authenticator) Option {
	return func(d *Daemon) {
		d.auth = a
	}
}

// WithListenAddr sets the address launch requests are accepted on
func WithListenAddr(addr string) Option {
	return func(d *Daemon) {
		d.listenAddr = addr
	}
}

// WithTimeout sets the per-hop message timeout
func WithTimeout(t time.Duration) Option {
	return func(d *Daemon) {
		d.timeout = t
	}
}

// WithServiceUID accepts launch requests signed by the cluster service account
func WithServiceUID(uid uint32) Option {
	return func(d *Daemon) {
		d.serviceUID = &uid
	}
}

// WithRetryPolicy sets how reports to the launching host are retried
func WithRetryPolicy(p RetryPolicy) Option {
	return func(d *Daemon) {
		d.retry = p
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		d.logger = l
	}
}

// WithMetrics sets the metrics
func WithMetrics(m *Metrics) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

// WithTracerProvider sets the tracer provider for launch spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Daemon) {
		d.tracer = tp.Tracer(tracerName)
	}
}

const tracerName = "github.com/shizhuolin/slurm/pkg/stepd"

func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
