// Package auth provides the message credentials carried by every frame on the
// step launch wire and the signed step credential that authorizes a launch.
//
// Credentials are HMAC-SHA256 signatures over a protowire encoding of the
// identity fields, keyed by a secret shared between the launching client and
// the node daemons.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrBadSignature is returned when a credential signature does not verify.
	ErrBadSignature = errors.New("auth: credential signature mismatch")
	// ErrExpired is returned when a credential is older than the verifier's TTL.
	ErrExpired = errors.New("auth: credential expired")
	// ErrMissing is returned for frames that carry no credential at all.
	ErrMissing = errors.New("auth: credential missing")
)

// Credential identifies the sender of a single message.
type Credential struct {
	UID       uint32
	GID       uint32
	Issued    int64 // unix nanoseconds
	Signature []byte
}

// Signer issues credentials for outgoing messages.
type Signer interface {
	Sign() (Credential, error)
}

// Verifier resolves the sender identity of an incoming credential.
type Verifier interface {
	ResolveUID(cred Credential) (uint32, error)
}

// Authenticator signs and verifies.
type Authenticator interface {
	Signer
	Verifier
}

// HMAC is a shared-key Authenticator.
type HMAC struct {
	key []byte
	uid uint32
	gid uint32
	ttl time.Duration
	now func() time.Time
}

// NewHMAC returns an authenticator that signs as uid/gid. A zero ttl disables
// expiry checks.
func NewHMAC(key []byte, uid, gid uint32, ttl time.Duration) *HMAC {
	k := make([]byte, len(key))
	copy(k, key)
	return &HMAC{key: k, uid: uid, gid: gid, ttl: ttl, now: time.Now}
}

// NewProcessHMAC signs as the effective uid and gid of the running process.
func NewProcessHMAC(key []byte, ttl time.Duration) *HMAC {
	return NewHMAC(key, uint32(os.Geteuid()), uint32(os.Getegid()), ttl)
}

// LoadKey reads a shared key file. Surrounding whitespace is ignored.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read auth key %s: %w", path, err)
	}
	key := []byte(strings.TrimSpace(string(data)))
	if len(key) == 0 {
		return nil, fmt.Errorf("auth key %s is empty", path)
	}
	return key, nil
}

// WithIdentity returns a copy of the authenticator signing as a different
// uid/gid with the same key.
func (h *HMAC) WithIdentity(uid, gid uint32) *HMAC {
	c := *h
	c.uid, c.gid = uid, gid
	return &c
}

// Sign implements Signer.
func (h *HMAC) Sign() (Credential, error) {
	cred := Credential{UID: h.uid, GID: h.gid, Issued: h.now().UnixNano()}
	cred.Signature = h.mac(cred.signedBytes())
	return cred, nil
}

// ResolveUID implements Verifier.
func (h *HMAC) ResolveUID(cred Credential) (uint32, error) {
	if len(cred.Signature) == 0 {
		return 0, ErrMissing
	}
	if !hmac.Equal(cred.Signature, h.mac(cred.signedBytes())) {
		return 0, ErrBadSignature
	}
	if h.ttl > 0 {
		issued := time.Unix(0, cred.Issued)
		if h.now().Sub(issued) > h.ttl {
			return 0, ErrExpired
		}
	}
	return cred.UID, nil
}

func (h *HMAC) mac(b []byte) []byte {
	m := hmac.New(sha256.New, h.key)
	m.Write(b)
	return m.Sum(nil)
}

func (c Credential) signedBytes() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.UID))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.GID))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(c.Issued))
	return b
}

// Marshal encodes the credential for the wire.
func (c Credential) Marshal() []byte {
	b := c.signedBytes()
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	return protowire.AppendBytes(b, c.Signature)
}

// UnmarshalCredential decodes a credential produced by Marshal.
func UnmarshalCredential(b []byte) (Credential, error) {
	var c Credential
	err := walk(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			c.UID = uint32(v)
		case 2:
			c.GID = uint32(v)
		case 3:
			c.Issued = protowire.DecodeZigZag(v)
		case 4:
			c.Signature = append([]byte(nil), raw...)
		}
		return nil
	})
	return c, err
}

// walk visits every varint and length-delimited field of b.
func walk(b []byte, fn func(num protowire.Number, v uint64, raw []byte) error) error {
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
