// Package launcher starts the tasks of a parallel job step on a set of
// compute nodes and tracks them until they exit.
//
// A launch binds a message listener on an ephemeral port, starts the client
// I/O handler that receives task output, and sends one launch request to
// the first node of the step. That node relays the request down a k-ary
// forwarding tree, so the launching host opens a single connection no
// matter how many nodes the step spans. Every node answers with a return
// code; replies of relayed nodes travel back enclosed in their parent's
// reply.
//
// Node daemons then report asynchronously to the listener: one launch
// response per node once its tasks started (or failed to), one task exit
// message per group of exited tasks, node failure notices, and PMI
// key-value put and get requests from the tasks themselves. Only messages
// signed by root, the launching user or the configured service account are
// accepted; anything else is logged as a security violation and dropped
// without a reply.
//
// # Quick Start
//
//	step, err := stepctx.LoadFile("step.yaml")
//	...
//	params := launcher.NewParamsBuilder("hostname").
//	    WithLabelIO().
//	    MustBuild()
//
//	session, err := launcher.Launch(ctx, stepCtx, params,
//	    launcher.WithAuth(auth.NewProcessHMAC(key, time.Minute)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Shutdown()
//
//	if err := session.WaitStart(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := session.WaitFinish(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("%+v\n", session.Counts())
//
// # Task Accounting
//
// A session counts tasks that started, tasks that failed to start and tasks
// that exited. The counters only grow. WaitStart returns once every task
// has a start result; WaitFinish returns once, in addition, every started
// task has exited. Both honour context cancellation. The per-node return
// codes of the launch request itself are available from Results and are
// not folded into the counters.
//
// # Observability
//
// Sessions accept a MetricsCollector (see PrometheusMetricsCollector), an
// EventPublisher for lifecycle events and an OpenTelemetry tracer provider
// for the fan-out span.
package launcher
