package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

// ListenerState is the lifecycle of a Listener. It only moves forward.
type ListenerState int32

const (
	ListenerActive ListenerState = iota
	ListenerShutdownRequested
	ListenerClosed
)

func (s ListenerState) String() string {
	switch s {
	case ListenerActive:
		return "active"
	case ListenerShutdownRequested:
		return "shutdown_requested"
	case ListenerClosed:
		return "closed"
	default:
		return fmt.Sprintf("ListenerState(%d)", int32(s))
	}
}

// MessageHandler consumes inbound messages.
type MessageHandler interface {
	Handle(ctx context.Context, msg *protocol.Message)
}

// Listener accepts connections from node daemons and tasks on an ephemeral
// port. Each connection carries exactly one message, read on its own
// goroutine within the receive timeout. Decoded messages are handed to a
// single dispatch goroutine, so the handler never runs concurrently and a
// connection that sends nothing delays no other message. A node opens its
// next report connection only after the previous one was written, so its
// reports are dispatched in the order it sent them.
type Listener struct {
	ln        net.Listener
	port      uint16
	transport *protocol.Transport
	handler   MessageHandler
	timeout   time.Duration
	logger    *slog.Logger
	metrics   MetricsCollector

	state     atomic.Int32
	closeOnce sync.Once

	connMu  sync.Mutex
	pending map[net.Conn]struct{}
	drained bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Listen binds a listener on addr. Use port 0 for an ephemeral port.
func Listen(addr string, transport *protocol.Transport, handler MessageHandler, timeout time.Duration, logger *slog.Logger, metrics MetricsCollector) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("unexpected listener address %T", ln.Addr())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		ln:        ln,
		port:      uint16(tcpAddr.Port),
		transport: transport,
		handler:   handler,
		timeout:   timeout,
		logger:    logger.With("component", "listener", "port", tcpAddr.Port),
		metrics:   metrics,
		pending:   make(map[net.Conn]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Port is the bound port.
func (l *Listener) Port() uint16 { return l.port }

// State returns the current lifecycle state.
func (l *Listener) State() ListenerState { return ListenerState(l.state.Load()) }

// Shutdown requests the accept loop to stop. It is idempotent and never
// reopens a closed listener.
func (l *Listener) Shutdown() {
	l.state.CompareAndSwap(int32(ListenerActive), int32(ListenerShutdownRequested))
	l.close()
}

func (l *Listener) close() {
	l.closeOnce.Do(func() {
		l.ln.Close()
		l.state.Store(int32(ListenerClosed))
	})
}

// readable reports whether the accept loop should keep running, closing the
// listening socket once shutdown has been requested.
func (l *Listener) readable() bool {
	if l.State() != ListenerActive {
		l.close()
		return false
	}
	return true
}

// Run accepts and serves connections until Shutdown. It returns once every
// message already read has been dispatched.
func (l *Listener) Run() {
	defer l.cancel()

	msgs := make(chan *protocol.Message)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		l.dispatch(msgs)
	}()

	var readers sync.WaitGroup
	for l.readable() {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				continue
			}
			if isTransientAcceptError(err) {
				l.logger.Debug("transient accept error", "error", err)
				continue
			}
			l.logger.Error("accept failed, stopping listener", "error", err)
			l.Shutdown()
			continue
		}
		l.metrics.ListenerConnection()
		if !l.track(conn) {
			conn.Close()
			continue
		}
		readers.Add(1)
		go func() {
			defer readers.Done()
			l.read(conn, msgs)
		}()
	}

	l.drain()
	readers.Wait()
	close(msgs)
	<-dispatched
}

// track registers conn as being read unless the listener is draining.
func (l *Listener) track(conn net.Conn) bool {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.drained {
		return false
	}
	l.pending[conn] = struct{}{}
	return true
}

// untrack reports whether conn was still registered.
func (l *Listener) untrack(conn net.Conn) bool {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	_, ok := l.pending[conn]
	delete(l.pending, conn)
	return ok
}

// drain closes the connections whose message has not arrived yet.
func (l *Listener) drain() {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.drained = true
	for conn := range l.pending {
		conn.Close()
	}
	clear(l.pending)
}

// read receives one message from conn within the receive timeout and queues
// it for dispatch.
func (l *Listener) read(conn net.Conn, msgs chan<- *protocol.Message) {
	msg, err := l.transport.Receive(conn, l.timeout)
	if !l.untrack(conn) {
		// closed by drain
		return
	}
	if err != nil {
		conn.Close()
		l.logger.Warn("receive failed", "remote", conn.RemoteAddr().String(), "error", err)
		l.metrics.MessageRejected("receive_error")
		return
	}
	msgs <- msg
}

// dispatch hands messages to the handler one at a time and closes their
// connections once handled.
func (l *Listener) dispatch(msgs <-chan *protocol.Message) {
	for msg := range msgs {
		if len(msg.RetList) > 0 {
			l.logger.Warn("message carries forwarded replies",
				"type", msg.Type.String(), "count", len(msg.RetList))
		}
		l.handler.Handle(l.ctx, msg)
		msg.Conn.Close()
	}
}

func isTransientAcceptError(err error) bool {
	if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	return protocol.IsTimeout(err)
}
