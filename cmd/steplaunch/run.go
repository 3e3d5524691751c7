package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shizhuolin/slurm/pkg/auth"
	"github.com/shizhuolin/slurm/pkg/config"
	natsdriver "github.com/shizhuolin/slurm/pkg/drivers/nats"
	redisdriver "github.com/shizhuolin/slurm/pkg/drivers/redis"
	"github.com/shizhuolin/slurm/pkg/events"
	"github.com/shizhuolin/slurm/pkg/kvs"
	"github.com/shizhuolin/slurm/pkg/launcher"
	"github.com/shizhuolin/slurm/pkg/observability"
	"github.com/shizhuolin/slurm/pkg/protocol"
	"github.com/shizhuolin/slurm/pkg/stepctx"
)

var version = "dev"

var runCmd = &cobra.Command{
	Use:   "run --step FILE [flags] -- COMMAND [ARGS...]",
	Short: "Launch a job step and wait for its tasks",
	Example: `  steplaunch run --step step.yaml --label -- hostname
  steplaunch run --step step.yaml --output 'out-%j-%t.log' -- ./solver`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStep,
}

func init() {
	f := runCmd.Flags()
	f.String("step", "", "Step file describing job, step and nodes (required)")
	f.Bool("label", false, "Prefix output lines with the task id")
	f.Bool("unbuffered", false, "Do not line-buffer task output on the nodes")
	f.String("output", "", "Remote stdout filename template (%j %s %t %n %N %u)")
	f.String("error", "", "Remote stderr filename template")
	f.String("input", "", "Remote stdin filename template")
	f.String("cwd", "", "Working directory of the tasks (default: current directory)")
	f.Bool("multi-prog", false, "Treat COMMAND as a multi-program configuration file")
	f.Bool("parallel-debug", false, "Start tasks under parallel debugger control")
	f.Uint32("slurmd-debug", 0, "Node daemon debug level for this step")
	f.Int("tree-width", 0, "Forwarding tree width")
	f.Duration("timeout", 0, "Per-hop message timeout")
	f.String("metrics-addr", "", "Serve metrics and health on this address")
	f.String("kvs-backend", "", "PMI key-value backend (memory, redis)")
	f.Duration("kvs-ttl", 0, "Expire PMI key-value pairs after this long")
	runCmd.MarkFlagRequired("step")

	v.BindPFlag("launch.tree_width", f.Lookup("tree-width"))
	v.BindPFlag("launch.timeout", f.Lookup("timeout"))
	v.BindPFlag("observability.metrics_addr", f.Lookup("metrics-addr"))
	v.BindPFlag("kvs.backend", f.Lookup("kvs-backend"))
	v.BindPFlag("kvs.ttl", f.Lookup("kvs-ttl"))
}

func runStep(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	key, err := auth.LoadKey(cfg.Auth.KeyFile)
	if err != nil {
		return err
	}
	signer := auth.NewProcessHMAC(key, cfg.Auth.TTL)

	stepPath, _ := cmd.Flags().GetString("step")
	file, err := stepctx.LoadFile(stepPath)
	if err != nil {
		return err
	}
	step, err := file.Build(signer)
	if err != nil {
		return err
	}

	params, err := buildParams(cmd.Flags(), args)
	if err != nil {
		return err
	}
	var failedExit atomic.Int32
	params.TaskFinish = func(msg *protocol.TaskExitMsg) {
		if msg.ReturnCode != 0 {
			failedExit.CompareAndSwap(0, msg.ReturnCode)
		}
	}

	metrics := launcher.NewPrometheusMetricsCollector("steplaunch")
	var launched atomic.Bool
	obs := observability.New(observability.Config{
		ServiceName:    "steplaunch",
		ServiceVersion: version,
		MetricsAddr:    cfg.Observability.MetricsAddr,
		Gatherer:       metrics.Registry(),
		EnableTracing:  cfg.Observability.EnableTracing,
		TraceExporter:  cfg.Observability.TraceExporter,
		Logger:         logger,
	})
	obs.SetReadiness(launched.Load)
	if err := obs.Initialize(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()

	opts := []launcher.Option{
		launcher.WithAuth(signer),
		launcher.WithListenAddr(cfg.Launch.ListenAddr),
		launcher.WithIOListenAddr(cfg.Launch.IOListenAddr),
		launcher.WithTimeout(cfg.Launch.Timeout),
		launcher.WithTreeWidth(cfg.Launch.TreeWidth),
		launcher.WithKVSTTL(cfg.KVS.TTL),
		launcher.WithLogger(logger),
		launcher.WithMetricsCollector(metrics),
		launcher.WithTracerProvider(obs.TracerProvider()),
	}
	if uid, ok := cfg.Launch.ServiceUIDValue(); ok {
		opts = append(opts, launcher.WithServiceUID(uid))
	}

	if cfg.KVS.Backend == config.BackendRedis {
		store, err := redisdriver.New(ctx, cfg.KVS.Redis)
		if err != nil {
			return err
		}
		defer store.Close()
		svc := kvs.New(store,
			kvs.WithPusher(protocol.NewTransport(signer, cfg.Launch.Timeout)),
			kvs.WithLogger(logger),
			kvs.WithTTL(cfg.KVS.TTL))
		defer svc.Close()
		opts = append(opts, launcher.WithKVS(svc))
	}

	if cfg.Events.Enabled {
		conn, err := natsdriver.Connect(cfg.Events.NATS, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		pub := events.NewPublisher(conn, cfg.Events.SubjectPrefix, logger)
		opts = append(opts, launcher.WithEventPublisher(pub))
		params.TaskStart, params.TaskFinish = events.NewHooks(pub, step.JobID, step.StepID).
			Wrap(params.TaskStart, params.TaskFinish)
	}

	s, err := launcher.Launch(ctx, step, params, opts...)
	if err != nil {
		return err
	}
	defer s.Shutdown()
	launched.Store(true)

	if rejected := rejectedNodes(s.Results()); len(rejected) > 0 {
		// rejecting nodes other than malformed-request ones never report their tasks
		logger.Error("nodes rejected the launch request", "nodes", rejected)
		return fmt.Errorf("launch rejected by %d node(s)", len(rejected))
	}

	if err := s.WaitStart(ctx); err != nil {
		return fmt.Errorf("waiting for tasks to start: %w", err)
	}
	if err := s.WaitFinish(ctx); err != nil {
		return fmt.Errorf("waiting for tasks to exit: %w", err)
	}

	c := s.Counts()
	logger.Info("step finished",
		"tasks", c.Requested, "started", c.StartSuccess, "failed", c.StartFailure, "exited", c.Exited)
	if code := failedExit.Load(); code != 0 || c.StartFailure > 0 {
		return &taskFailure{status: exitStatus(code)}
	}
	return nil
}

// buildParams maps the run flags onto launch params.
func buildParams(f *pflag.FlagSet, args []string) (*launcher.Params, error) {
	b := launcher.NewParamsBuilder(args...)
	if on, _ := f.GetBool("label"); on {
		b.WithLabelIO()
	}
	if on, _ := f.GetBool("unbuffered"); on {
		b.WithUnbufferedStdio()
	}
	if t, _ := f.GetString("output"); t != "" {
		b.WithRemoteOutput(t)
	}
	if t, _ := f.GetString("error"); t != "" {
		b.WithRemoteError(t)
	}
	if t, _ := f.GetString("input"); t != "" {
		b.WithRemoteInput(t)
	}
	if dir, _ := f.GetString("cwd"); dir != "" {
		b.WithCwd(dir)
	}
	if on, _ := f.GetBool("multi-prog"); on {
		b.WithMultiProg()
	}
	if on, _ := f.GetBool("parallel-debug"); on {
		b.WithParallelDebug()
	}
	if lvl, _ := f.GetUint32("slurmd-debug"); lvl > 0 {
		b.WithSlurmdDebug(lvl)
	}
	return b.Build()
}

func rejectedNodes(results []protocol.RetData) []string {
	var nodes []string
	for _, r := range results {
		if r.ReturnCode != protocol.RCSuccess && r.ReturnCode != protocol.RCInvalidRequest {
			nodes = append(nodes, r.NodeName)
		}
	}
	return nodes
}

// exitStatus maps a task return code to a process exit status.
func exitStatus(code int32) int {
	if code > 0 && code < 256 {
		return int(code)
	}
	return 1
}
