package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/shizhuolin/slurm/pkg/auth"
	"github.com/shizhuolin/slurm/pkg/config"
	"github.com/shizhuolin/slurm/pkg/observability"
	"github.com/shizhuolin/slurm/pkg/stepd"
)

var version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve launch requests until interrupted",
	RunE:  serve,
}

func init() {
	f := serveCmd.Flags()
	f.String("name", "", "Node name (default: host name)")
	f.String("listen", "", "Launch request listen address")
	f.String("health-addr", "", "gRPC health endpoint address (empty disables it)")
	f.String("metrics-addr", "", "Serve metrics and health on this address")

	v.BindPFlag("node.name", f.Lookup("name"))
	v.BindPFlag("node.listen_addr", f.Lookup("listen"))
	v.BindPFlag("node.health_addr", f.Lookup("health-addr"))
	v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
}

func serve(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name := cfg.Node.Name
	if name == "" {
		if name, err = os.Hostname(); err != nil {
			return fmt.Errorf("node name: %w", err)
		}
	}

	key, err := auth.LoadKey(cfg.Auth.KeyFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	obs := observability.New(observability.Config{
		ServiceName:    "stepd",
		ServiceVersion: version,
		MetricsAddr:    cfg.Observability.MetricsAddr,
		Gatherer:       reg,
		EnableTracing:  cfg.Observability.EnableTracing,
		TraceExporter:  cfg.Observability.TraceExporter,
		Logger:         logger,
	})
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	d, err := stepd.New(name, daemonOptions(cfg, auth.NewProcessHMAC(key, cfg.Auth.TTL), reg, obs, logger)...)
	if err != nil {
		return err
	}
	if err := d.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	if cfg.Node.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.Node.HealthAddr)
		if err != nil {
			return fmt.Errorf("health listen %s: %w", cfg.Node.HealthAddr, err)
		}
		go func() { errCh <- d.ServeHealth(lis) }()
	}
	go func() { errCh <- d.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err = <-errCh:
		if errors.Is(err, stepd.ErrClosed) {
			err = nil
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := d.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("node daemon shutdown incomplete", "error", serr)
	}
	logger.Info("node daemon stopped")
	return err
}

func daemonOptions(cfg *config.Config, a stepd.Authenticator, reg prometheus.Registerer, obs *observability.Manager, logger *slog.Logger) []stepd.Option {
	opts := []stepd.Option{
		stepd.WithAuth(a),
		stepd.WithListenAddr(cfg.Node.ListenAddr),
		stepd.WithTimeout(cfg.Launch.Timeout),
		stepd.WithRetryPolicy(stepd.RetryPolicy{
			Attempts:  cfg.Node.RetryAttempts,
			BaseDelay: cfg.Node.RetryBase,
			MaxDelay:  cfg.Node.RetryMax,
		}),
		stepd.WithLogger(logger),
		stepd.WithMetrics(stepd.NewMetrics(reg)),
		stepd.WithTracerProvider(obs.TracerProvider()),
	}
	if uid, ok := cfg.Launch.ServiceUIDValue(); ok {
		opts = append(opts, stepd.WithServiceUID(uid))
	}
	return opts
}
