package auth

import (
	"crypto/hmac"
	"errors"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNodeNotAuthorized is returned when a node outside the credential's node
// list presents it.
var ErrNodeNotAuthorized = errors.New("auth: node not covered by step credential")

// StepCredential authorizes a job step to run on a fixed set of nodes. Its
// signature also keys the client I/O connections of the step.
type StepCredential struct {
	JobID     uint32
	StepID    uint32
	UID       uint32
	GID       uint32
	Nodes     []string
	Expires   int64 // unix seconds, 0 = never
	Signature []byte
}

// SignStep fills in the signature of c.
func (h *HMAC) SignStep(c *StepCredential) {
	c.Signature = h.mac(c.signedBytes())
}

// VerifyStep checks the signature and expiry of c and, when node is not
// empty, that node is one of the credential's nodes.
func (h *HMAC) VerifyStep(c *StepCredential, node string) error {
	if len(c.Signature) == 0 {
		return ErrMissing
	}
	if !hmac.Equal(c.Signature, h.mac(c.signedBytes())) {
		return ErrBadSignature
	}
	if c.Expires > 0 && h.now().After(time.Unix(c.Expires, 0)) {
		return ErrExpired
	}
	if node == "" {
		return nil
	}
	for _, n := range c.Nodes {
		if n == node {
			return nil
		}
	}
	return ErrNodeNotAuthorized
}

func (c *StepCredential) signedBytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.JobID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.StepID))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.UID))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.GID))
	for _, n := range c.Nodes {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, n)
	}
	b = protowire.AppendTag(b, 6, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(c.Expires))
	return b
}

// Marshal encodes the credential for the wire.
func (c *StepCredential) Marshal() []byte {
	b := c.signedBytes()
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	return protowire.AppendBytes(b, c.Signature)
}

// UnmarshalStepCredential decodes a credential produced by Marshal.
func UnmarshalStepCredential(b []byte) (*StepCredential, error) {
	c := &StepCredential{}
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			c.JobID = uint32(v)
		case 2:
			c.StepID = uint32(v)
		case 3:
			c.UID = uint32(v)
		case 4:
			c.GID = uint32(v)
		case 5:
			c.Nodes = append(c.Nodes, string(raw))
		case 6:
			c.Expires = protowire.DecodeZigZag(v)
		case 7:
			c.Signature = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}
