// Package observability wires tracing and the metrics/health HTTP endpoint
// of the step launch commands.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds observability configuration
type Config struct {
	// ServiceName is the name of the service (e.g., "steplaunch", "stepd")
	ServiceName    string
	ServiceVersion string

	// MetricsAddr is the listen address of the metrics and health endpoint.
	// Empty disables the HTTP server.
	MetricsAddr string

	// Gatherer is exposed on /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer

	EnableTracing bool

	// TraceExporter is "stdout" or "none"
	TraceExporter string

	// TraceOutput receives stdout exporter output. Defaults to os.Stderr.
	TraceOutput io.Writer

	Logger *slog.Logger
}

// Manager owns the tracer provider and metrics server
type Manager struct {
	config         Config
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	metricsServer  *http.Server
	metricsAddr    net.Addr
	ready          func() bool
	shutdownOnce   sync.Once
}

// New creates a manager. Nothing is started until Initialize.
func New(config Config) *Manager {
	if config.ServiceName == "" {
		config.ServiceName = "unknown"
	}
	if config.TraceExporter == "" {
		config.TraceExporter = "stdout"
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.TraceOutput == nil {
		config.TraceOutput = os.Stderr
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Manager{
		config: config,
		logger: config.Logger.With("component", "observability"),
		ready:  func() bool { return true },
	}
}

// SetReadiness installs the probe answering /ready. Call it before Initialize.
func (m *Manager) SetReadiness(ready func() bool) {
	m.ready = ready
}

// Initialize sets up tracing and starts the metrics server
func (m *Manager) Initialize(ctx context.Context) error {
	m.logger.Info("initializing observability",
		"service_name", m.config.ServiceName,
		"metrics_addr", m.config.MetricsAddr,
		"enable_tracing", m.config.EnableTracing)

	if m.config.EnableTracing && m.config.TraceExporter != "none" {
		if err := m.initializeTracing(ctx); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}
	if m.config.MetricsAddr != "" {
		if err := m.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	return nil
}

func (m *Manager) initializeTracing(ctx context.Context) error {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(m.config.ServiceName),
			semconv.ServiceVersion(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	if m.config.TraceExporter != "stdout" {
		m.logger.Warn("unknown trace exporter, falling back to stdout", "exporter", m.config.TraceExporter)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(m.config.TraceOutput))
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(m.tracerProvider)
	return nil
}

// TracerProvider returns the configured provider, or a no-op provider when
// tracing is disabled.
func (m *Manager) TracerProvider() trace.TracerProvider {
	if m.tracerProvider == nil {
		return noop.NewTracerProvider()
	}
	return m.tracerProvider
}

// MetricsAddr is the bound address of the metrics server, nil when disabled
func (m *Manager) MetricsAddr() net.Addr {
	return m.metricsAddr
}

func (m *Manager) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !m.ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(m.config.Gatherer, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", m.config.MetricsAddr)
	if err != nil {
		return err
	}
	m.metricsAddr = ln.Addr()
	m.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		m.logger.Info("metrics server listening", "addr", ln.Addr().String())
		if err := m.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops the metrics server and flushes pending spans
func (m *Manager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	m.shutdownOnce.Do(func() {
		if m.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown metrics server", "error", err)
				shutdownErr = fmt.Errorf("metrics server shutdown: %w", err)
			}
		}
		if m.tracerProvider != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil {
				m.logger.Error("failed to shutdown tracer provider", "error", err)
				shutdownErr = errors.Join(shutdownErr, fmt.Errorf("tracer provider shutdown: %w", err))
			}
		}
	})

	return shutdownErr
}
