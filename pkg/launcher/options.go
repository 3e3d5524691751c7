package launcher

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/shizhuolin/slurm/pkg/auth"
	"github.com/shizhuolin/slurm/pkg/clientio"
	"github.com/shizhuolin/slurm/pkg/forward"
)

// StepLaunchTimeout bounds each send, receive and forwarding hop.
const StepLaunchTimeout = 10 * time.Second

// ClientIO is the collaborator that receives task output from node daemons.
type ClientIO interface {
	Start() error
	ListenPorts() []uint16
	Finish()
	Destroy()
}

// ClientIOFactory creates the client I/O collaborator of a session.
type ClientIOFactory func(cfg clientio.Config) (ClientIO, error)

func newClientIO(cfg clientio.Config) (ClientIO, error) {
	return clientio.New(cfg)
}

type config struct {
	auth       auth.Authenticator
	listenAddr string
	ioAddr     string
	timeout    time.Duration
	treeWidth  int
	serviceUID *uint32
	kvs        KVS
	kvsTTL     time.Duration
	clientIO   ClientIOFactory
	logger     *slog.Logger
	metrics    MetricsCollector
	events     EventPublisher
	tracer     trace.Tracer
}

func defaultConfig() *config {
	return &config{
		listenAddr: ":0",
		ioAddr:     ":0",
		timeout:    StepLaunchTimeout,
		treeWidth:  forward.DefaultWidth,
		clientIO:   newClientIO,
		logger:     slog.Default(),
		metrics:    NewNoopMetricsCollector(),
		events:     &NoopEventPublisher{},
		tracer:     otel.Tracer("github.com/shizhuolin/slurm/pkg/launcher"),
	}
}

// Option configures a launch
type Option func(*config)

// WithAuth sets the authenticator used to sign outgoing messages and to
// resolve the identity of inbound ones
func WithAuth(a auth.Authenticator) Option {
	return func(c *config) {
		c.auth = a
	}
}

// WithListenAddr sets the address of the message listener
func WithListenAddr(addr string) Option {
	return func(c *config) {
		c.listenAddr = addr
	}
}

// WithIOListenAddr sets the address of the client I/O listeners
func WithIOListenAddr(addr string) Option {
	return func(c *config) {
		c.ioAddr = addr
	}
}

// WithTimeout sets the per-hop message timeout
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithTreeWidth sets the fan width of the forwarding tree
func WithTreeWidth(width int) Option {
	return func(c *config) {
		c.treeWidth = width
	}
}

// WithServiceUID accepts messages from the cluster service account
func WithServiceUID(uid uint32) Option {
	return func(c *config) {
		c.serviceUID = &uid
	}
}

// WithKVS sets the PMI key-value collaborator. Without it each session runs
// an in-memory exchange.
func WithKVS(kvs KVS) Option {
	return func(c *config) {
		c.kvs = kvs
	}
}

// WithKVSTTL expires pairs of the session's in-memory exchange after ttl.
// It has no effect together with WithKVS.
func WithKVSTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.kvsTTL = ttl
	}
}

// WithClientIOFactory replaces the client I/O implementation
func WithClientIOFactory(f ClientIOFactory) Option {
	return func(c *config) {
		c.clientIO = f
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(c *config) {
		c.metrics = mc
	}
}

// WithEventPublisher sets where lifecycle events are reported
func WithEventPublisher(p EventPublisher) Option {
	return func(c *config) {
		c.events = p
	}
}

// WithTracerProvider sets the tracer provider for fan-out spans
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		c.tracer = tp.Tracer("github.com/shizhuolin/slurm/pkg/launcher")
	}
}
