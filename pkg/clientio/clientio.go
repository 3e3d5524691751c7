// Package clientio receives forwarded task output on the launching host.
//
// Node daemons connect to one of the handler's listen ports, authenticate
// with the step credential signature and then stream framed stdout/stderr
// chunks tagged with the global task id. An empty chunk closes that task's
// stream.
package clientio

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	defaultNodesPerPort = 64
	defaultDrainTimeout = 5 * time.Second
	initTimeout         = 10 * time.Second
)

// FDs are the local destinations of forwarded task I/O.
type FDs struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// StdFDs returns the process's own standard streams.
func StdFDs() FDs {
	return FDs{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}

// Config configures a Handler.
type Config struct {
	ListenAddr string
	FDs        FDs
	NumTasks   int
	NumNodes   int
	// Signature is the step credential signature nodes must present.
	Signature []byte
	// Label prefixes every output line with "<task id>: ".
	Label bool
	// NodesPerPort controls how many listen ports are opened.
	NodesPerPort int
	// DrainTimeout bounds how long Finish waits for open streams.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Handler accepts task output connections from node daemons.
type Handler struct {
	cfg       Config
	logger    *slog.Logger
	listeners []net.Listener
	ports     []uint16
	out       *output

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	closed   bool
	accepts  sync.WaitGroup
	streams  sync.WaitGroup
	stopOnce sync.Once
}

// New opens the listen ports of a handler. Nothing is accepted until Start.
func New(cfg Config) (*Handler, error) {
	if cfg.NumNodes <= 0 {
		return nil, errors.New("clientio: node count must be positive")
	}
	if len(cfg.Signature) == 0 {
		return nil, errors.New("clientio: credential signature is required")
	}
	if cfg.NodesPerPort <= 0 {
		cfg.NodesPerPort = defaultNodesPerPort
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FDs.Stdout == nil {
		cfg.FDs.Stdout = io.Discard
	}
	if cfg.FDs.Stderr == nil {
		cfg.FDs.Stderr = io.Discard
	}

	h := &Handler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "clientio"),
		out:    newOutput(cfg.FDs.Stdout, cfg.FDs.Stderr, cfg.Label),
		conns:  make(map[net.Conn]struct{}),
	}
	numListen := 1 + (cfg.NumNodes-1)/cfg.NodesPerPort
	for i := 0; i < numListen; i++ {
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			h.closeListeners()
			return nil, fmt.Errorf("clientio: listen: %w", err)
		}
		h.listeners = append(h.listeners, ln)
		h.ports = append(h.ports, uint16(ln.Addr().(*net.TCPAddr).Port))
	}
	return h, nil
}

// ListenPorts returns the ports node daemons connect to.
func (h *Handler) ListenPorts() []uint16 {
	return append([]uint16(nil), h.ports...)
}

// Start begins accepting connections.
func (h *Handler) Start() error {
	for _, ln := range h.listeners {
		h.accepts.Add(1)
		go h.acceptLoop(ln)
	}
	return nil
}

func (h *Handler) acceptLoop(ln net.Listener) {
	defer h.accepts.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Warn("accept failed", "error", err)
			continue
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			continue
		}
		h.conns[conn] = struct{}{}
		h.streams.Add(1)
		h.mu.Unlock()
		go h.serve(conn)
	}
}

func (h *Handler) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		h.streams.Done()
	}()

	conn.SetReadDeadline(time.Now().Add(initTimeout))
	hdr, err := readInit(conn)
	if err != nil {
		h.logger.Warn("bad I/O connection header", "remote", conn.RemoteAddr().String(), "error", err)
		return
	}
	if subtle.ConstantTimeCompare(hdr.Signature, h.cfg.Signature) != 1 {
		h.logger.Error("security violation: I/O connection with wrong credential signature",
			"remote", conn.RemoteAddr().String(), "node", hdr.NodeName)
		return
	}
	conn.SetReadDeadline(time.Time{})
	h.logger.Debug("node I/O connected", "node", hdr.NodeName, "node_id", hdr.NodeID)

	for {
		f, err := readChunk(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.logger.Warn("I/O stream error", "node", hdr.NodeName, "error", err)
			}
			h.out.flushNode(hdr.NodeID)
			return
		}
		if int(f.TaskID) >= h.cfg.NumTasks {
			h.logger.Warn("output for unknown task", "node", hdr.NodeName, "task", f.TaskID)
			continue
		}
		h.out.write(hdr.NodeID, f)
	}
}

// Finish stops accepting connections and waits for open streams to close,
// at most DrainTimeout.
func (h *Handler) Finish() {
	h.closeListeners()
	done := make(chan struct{})
	go func() {
		h.accepts.Wait()
		h.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(h.cfg.DrainTimeout):
		h.logger.Warn("timed out draining task output", "timeout", h.cfg.DrainTimeout)
	}
}

// Destroy closes every listener and connection and waits for all handler
// goroutines.
func (h *Handler) Destroy() {
	h.closeListeners()
	h.mu.Lock()
	h.closed = true
	for c := range h.conns {
		c.Close()
	}
	h.mu.Unlock()
	h.accepts.Wait()
	h.streams.Wait()
	h.out.flushAll()
}

func (h *Handler) closeListeners() {
	h.stopOnce.Do(func() {
		for _, ln := range h.listeners {
			ln.Close()
		}
	})
}

// output serializes writes to the local descriptors and keeps partial lines
// per task stream when labelling.
type output struct {
	mu      sync.Mutex
	stdout  io.Writer
	stderr  io.Writer
	label   bool
	partial map[streamKey][]byte
}

type streamKey struct {
	node   uint32
	stream Stream
	task   uint32
}

func newOutput(stdout, stderr io.Writer, label bool) *output {
	return &output{stdout: stdout, stderr: stderr, label: label, partial: make(map[streamKey][]byte)}
}

func (o *output) dest(s Stream) io.Writer {
	if s == Stderr {
		return o.stderr
	}
	return o.stdout
}

func (o *output) write(node uint32, c chunk) {
	o.mu.Lock()
	defer o.mu.Unlock()

	key := streamKey{node: node, stream: c.Stream, task: c.TaskID}
	w := o.dest(c.Stream)
	if len(c.Data) == 0 {
		o.flushLocked(key)
		return
	}
	if !o.label {
		w.Write(c.Data)
		return
	}
	buf := append(o.partial[key], c.Data...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		fmt.Fprintf(w, "%d: %s", c.TaskID, buf[:i+1])
		buf = buf[i+1:]
	}
	if len(buf) == 0 {
		delete(o.partial, key)
	} else {
		o.partial[key] = append([]byte(nil), buf...)
	}
}

func (o *output) flushLocked(key streamKey) {
	buf, ok := o.partial[key]
	if !ok {
		return
	}
	delete(o.partial, key)
	fmt.Fprintf(o.dest(key.stream), "%d: %s\n", key.task, buf)
}

func (o *output) flushNode(node uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key := range o.partial {
		if key.node == node {
			o.flushLocked(key)
		}
	}
}

func (o *output) flushAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key := range o.partial {
		o.flushLocked(key)
	}
}
