package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shizhuolin/slurm/pkg/auth"
)

// ProtocolVersion is written into every envelope.
const ProtocolVersion = 1

// MaxFrameSize bounds the body of a single frame.
const MaxFrameSize = 16 << 20

var (
	// ErrFrameTooLarge is returned for frames larger than MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
	// ErrVersion is returned for envelopes written by an incompatible peer.
	ErrVersion = errors.New("protocol: unsupported protocol version")
)

// Payload is the typed body of a Message.
type Payload interface {
	Type() MsgType
	marshal(b []byte) []byte
	unmarshal(b []byte) error
}

// NewPayload returns an empty payload for t, or nil for unknown types.
func NewPayload(t MsgType) Payload {
	switch t {
	case RequestLaunchTasks:
		return &LaunchTasksRequest{}
	case ResponseLaunchTasks:
		return &LaunchTasksResponse{}
	case MessageTaskExit:
		return &TaskExitMsg{}
	case SrunNodeFail:
		return &NodeFailMsg{}
	case PMIKVSPutReq:
		return &KVSCommSet{}
	case PMIKVSGetReq:
		return &KVSGetMsg{}
	case PMIKVSGetResp:
		return &KVSGetResponse{}
	case ResponseSlurmRC:
		return &ReturnCodeMsg{}
	}
	return nil
}

// Pack encodes the payload into m.Body so the same bytes can be sent to
// several peers. Pack is a no-op when Body is already set.
func (m *Message) Pack() error {
	if m.Body != nil {
		return nil
	}
	if m.Data == nil {
		return fmt.Errorf("protocol: %s message has no payload", m.Type)
	}
	if m.Data.Type() != m.Type {
		return fmt.Errorf("protocol: payload %s does not match message type %s", m.Data.Type(), m.Type)
	}
	m.Body = m.Data.marshal(make([]byte, 0, 256))
	return nil
}

// Marshal encodes the envelope, packing the payload first if needed.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.Pack(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, len(m.Body)+128)
	b = appendUint(b, 1, ProtocolVersion)
	b = appendUint(b, 2, uint64(m.Type))
	b = appendBytes(b, 3, m.Auth.Marshal())
	if !m.Forward.Empty() {
		b = appendUint(b, 4, uint64(m.Forward.Timeout/time.Millisecond))
		b = appendUint(b, 5, uint64(m.Forward.Width))
		for _, n := range m.Forward.Nodes {
			var nb []byte
			nb = appendString(nb, 1, n.Name)
			nb = appendString(nb, 2, n.Addr)
			b = appendBytes(b, 6, nb)
		}
	}
	for _, r := range m.RetList {
		var rb []byte
		rb = appendString(rb, 1, r.NodeName)
		rb = appendUint(rb, 2, uint64(r.Type))
		rb = appendSint(rb, 3, r.ReturnCode)
		b = appendBytes(b, 7, rb)
	}
	if m.OrigAddr != "" {
		b = appendString(b, 8, m.OrigAddr)
	}
	b = appendBytes(b, 9, m.Body)
	return b, nil
}

// Unmarshal decodes an envelope. Bodies of known types are decoded into
// Data; unknown types keep only the raw Body.
func Unmarshal(b []byte) (*Message, error) {
	m := &Message{}
	var version uint64
	err := walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			version = v
		case 2:
			m.Type = MsgType(v)
		case 3:
			cred, err := auth.UnmarshalCredential(raw)
			if err != nil {
				return fmt.Errorf("credential: %w", err)
			}
			m.Auth = cred
		case 4:
			m.Forward.Timeout = time.Duration(v) * time.Millisecond
		case 5:
			m.Forward.Width = int(v)
		case 6:
			var n Node
			if err := walkFields(raw, func(num protowire.Number, _ uint64, raw []byte) error {
				switch num {
				case 1:
					n.Name = string(raw)
				case 2:
					n.Addr = string(raw)
				}
				return nil
			}); err != nil {
				return fmt.Errorf("forward node: %w", err)
			}
			m.Forward.Nodes = append(m.Forward.Nodes, n)
		case 7:
			var r RetData
			if err := walkFields(raw, func(num protowire.Number, v uint64, raw []byte) error {
				switch num {
				case 1:
					r.NodeName = string(raw)
				case 2:
					r.Type = MsgType(v)
				case 3:
					r.ReturnCode = int32(protowire.DecodeZigZag(v))
				}
				return nil
			}); err != nil {
				return fmt.Errorf("ret data: %w", err)
			}
			m.RetList = append(m.RetList, r)
		case 8:
			m.OrigAddr = string(raw)
		case 9:
			m.Body = append([]byte{}, raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	if p := NewPayload(m.Type); p != nil {
		if err := p.unmarshal(m.Body); err != nil {
			return nil, fmt.Errorf("protocol: decode %s body: %w", m.Type, err)
		}
		m.Data = p
	}
	return m, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int32) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(int64(v)))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendUint(b, num, 1)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendPacked(b []byte, num protowire.Number, vs []uint32) []byte {
	var p []byte
	for _, v := range vs {
		p = protowire.AppendVarint(p, uint64(v))
	}
	return appendBytes(b, num, p)
}

func appendPorts(b []byte, num protowire.Number, ports []uint16) []byte {
	var p []byte
	for _, v := range ports {
		p = protowire.AppendVarint(p, uint64(v))
	}
	return appendBytes(b, num, p)
}

func consumePacked(raw []byte) ([]uint32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]uint32, 0, len(raw))
	for len(raw) > 0 {
		v, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, uint32(v))
		raw = raw[n:]
	}
	return out, nil
}

func consumePorts(raw []byte) ([]uint16, error) {
	vs, err := consumePacked(raw)
	if err != nil || vs == nil {
		return nil, err
	}
	out := make([]uint16, len(vs))
	for i, v := range vs {
		out[i] = uint16(v)
	}
	return out, nil
}

func walkFields(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
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
			if err := fn(num, v, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			if err := fn(num, 0, raw); err != nil {
				return err
			}
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
