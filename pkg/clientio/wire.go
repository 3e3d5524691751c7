package clientio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

// IOVersion is the version carried in the connection header.
const IOVersion = 1

// Stream identifies a task output stream.
type Stream uint32

const (
	Stdout Stream = 1
	Stderr Stream = 2
)

func (s Stream) String() string {
	switch s {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return fmt.Sprintf("stream(%d)", uint32(s))
	}
}

var ErrIOVersion = errors.New("clientio: unsupported I/O protocol version")

type header struct {
	Version   uint32
	NodeID    uint32
	NodeName  string
	Signature []byte
}

type chunk struct {
	Stream Stream
	TaskID uint32
	Data   []byte
}

func (h header) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Version))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.NodeID))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, h.NodeName)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	return protowire.AppendBytes(b, h.Signature)
}

func (c chunk) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Stream))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.TaskID))
	if len(c.Data) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Data)
	}
	return b
}

func readInit(r io.Reader) (header, error) {
	var h header
	b, err := protocol.ReadFrame(r)
	if err != nil {
		return h, err
	}
	err = fields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			h.Version = uint32(v)
		case 2:
			h.NodeID = uint32(v)
		case 3:
			h.NodeName = string(raw)
		case 4:
			h.Signature = append([]byte(nil), raw...)
		}
	})
	if err != nil {
		return h, err
	}
	if h.Version != IOVersion {
		return h, ErrIOVersion
	}
	return h, nil
}

func readChunk(r io.Reader) (chunk, error) {
	var c chunk
	b, err := protocol.ReadFrame(r)
	if err != nil {
		return c, err
	}
	err = fields(b, func(num protowire.Number, v uint64, raw []byte) {
		switch num {
		case 1:
			c.Stream = Stream(v)
		case 2:
			c.TaskID = uint32(v)
		case 3:
			c.Data = raw
		}
	})
	return c, err
}

func fields(b []byte, fn func(num protowire.Number, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			fn(num, v, nil)
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			fn(num, 0, raw)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// Conn is the node side of an I/O connection. Writers obtained from one
// Conn may be used concurrently.
type Conn struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a client I/O port and sends the connection header.
func Dial(ctx context.Context, addr string, nodeID uint32, nodeName string, signature []byte) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	hdr := header{Version: IOVersion, NodeID: nodeID, NodeName: nodeName, Signature: signature}
	if err := protocol.WriteFrame(nc, hdr.marshal()); err != nil {
		nc.Close()
		return nil, err
	}
	return &Conn{conn: nc}, nil
}

func (c *Conn) send(ch chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteFrame(c.conn, ch.marshal())
}

// Writer returns a writer for one task stream. Closing it sends the
// end-of-stream marker; the connection stays open.
func (c *Conn) Writer(stream Stream, taskID uint32) io.WriteCloser {
	return &streamWriter{conn: c, stream: stream, task: taskID}
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

type streamWriter struct {
	conn   *Conn
	stream Stream
	task   uint32
	once   sync.Once
}

func (w *streamWriter) Write(p []byte) (int, error) {
	for off := 0; off < len(p); {
		end := min(off+protocol.MaxFrameSize/2, len(p))
		if err := w.conn.send(chunk{Stream: w.stream, TaskID: w.task, Data: p[off:end]}); err != nil {
			return off, err
		}
		off = end
	}
	return len(p), nil
}

func (w *streamWriter) Close() error {
	var err error
	w.once.Do(func() {
		err = w.conn.send(chunk{Stream: w.stream, TaskID: w.task})
	})
	return err
}
