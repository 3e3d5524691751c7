package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/shizhuolin/slurm/pkg/auth"
)

// DefaultTimeout bounds a single send or receive.
const DefaultTimeout = 10 * time.Second

// Transport signs, sends and receives framed messages.
type Transport struct {
	Signer  auth.Signer
	Timeout time.Duration
}

// NewTransport returns a transport that signs with signer.
func NewTransport(signer auth.Signer, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Transport{Signer: signer, Timeout: timeout}
}

func (t *Transport) timeout(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultTimeout
}

// Send writes m to conn. A fresh credential is attached to every message.
func (t *Transport) Send(conn net.Conn, m *Message) error {
	cred, err := t.Signer.Sign()
	if err != nil {
		return fmt.Errorf("sign %s: %w", m.Type, err)
	}
	m.Auth = cred
	body, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.timeout(0))); err != nil {
		return err
	}
	if err := WriteFrame(conn, body); err != nil {
		return fmt.Errorf("send %s: %w", m.Type, err)
	}
	return nil
}

// Receive reads one message from conn within timeout (the transport default
// when zero). Interrupted reads are retried.
func (t *Transport) Receive(conn net.Conn, timeout time.Duration) (*Message, error) {
	if err := conn.SetReadDeadline(time.Now().Add(t.timeout(timeout))); err != nil {
		return nil, err
	}
	for {
		body, err := ReadFrame(conn)
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := Unmarshal(body)
		if err != nil {
			return nil, err
		}
		m.Conn = conn
		return m, nil
	}
}

// SendRC replies to req on its originating connection with a return code and
// optional enclosed forwarded replies.
func (t *Transport) SendRC(req *Message, rc int32, rets ...RetData) error {
	if req.Conn == nil {
		return errors.New("protocol: reply to message without connection")
	}
	return t.Send(req.Conn, &Message{
		Type:    ResponseSlurmRC,
		Data:    &ReturnCodeMsg{ReturnCode: rc},
		RetList: rets,
	})
}

func (t *Transport) dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: t.timeout(0)}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return conn, nil
}

// SendOnly connects to addr, sends m and closes the connection without
// waiting for a reply.
func (t *Transport) SendOnly(ctx context.Context, addr string, m *Message) error {
	conn, err := t.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return t.Send(conn, m)
}

// SendRecvRC connects to node, sends m and waits up to wait for the return
// code reply. The result holds the node's own code followed by any replies
// of nodes it relayed to.
func (t *Transport) SendRecvRC(ctx context.Context, node Node, m *Message, wait time.Duration) ([]RetData, error) {
	conn, err := t.dial(ctx, node.Addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := t.Send(conn, m); err != nil {
		return nil, err
	}
	resp, err := t.Receive(conn, wait)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receive reply from %s: %w", node.Name, err)
	}
	rc, ok := resp.Data.(*ReturnCodeMsg)
	if !ok {
		return nil, fmt.Errorf("unexpected reply %s from %s", resp.Type, node.Name)
	}
	rets := make([]RetData, 0, 1+len(resp.RetList))
	rets = append(rets, RetData{NodeName: node.Name, Type: ResponseSlurmRC, ReturnCode: rc.ReturnCode})
	return append(rets, resp.RetList...), nil
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
