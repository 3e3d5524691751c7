package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMAC_SignResolve(t *testing.T) {
	a := NewHMAC([]byte("secret"), 1001, 100, time.Minute)

	cred, err := a.Sign()
	require.NoError(t, err)

	uid, err := a.ResolveUID(cred)
	require.NoError(t, err)
	assert.Equal(t, uint32(1001), uid)
}

func TestHMAC_ResolveRejectsTamperedIdentity(t *testing.T) {
	a := NewHMAC([]byte("secret"), 1001, 100, 0)

	cred, err := a.Sign()
	require.NoError(t, err)
	cred.UID = 0

	_, err = a.ResolveUID(cred)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestHMAC_ResolveRejectsForeignKey(t *testing.T) {
	a := NewHMAC([]byte("secret"), 1001, 100, 0)
	b := NewHMAC([]byte("other"), 1001, 100, 0)

	cred, err := b.Sign()
	require.NoError(t, err)

	_, err = a.ResolveUID(cred)
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = a.ResolveUID(Credential{UID: 5})
	assert.ErrorIs(t, err, ErrMissing)
}

func TestHMAC_Expiry(t *testing.T) {
	a := NewHMAC([]byte("secret"), 1, 1, time.Second)
	issued := time.Unix(1000, 0)
	a.now = func() time.Time { return issued }

	cred, err := a.Sign()
	require.NoError(t, err)

	a.now = func() time.Time { return issued.Add(2 * time.Second) }
	_, err = a.ResolveUID(cred)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestCredential_WireEncoding(t *testing.T) {
	a := NewHMAC([]byte("secret"), 42, 7, 0)
	cred, err := a.Sign()
	require.NoError(t, err)

	decoded, err := UnmarshalCredential(cred.Marshal())
	require.NoError(t, err)
	assert.Equal(t, cred, decoded)

	uid, err := a.ResolveUID(decoded)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), uid)
}

func TestWithIdentity_SharesKey(t *testing.T) {
	a := NewHMAC([]byte("secret"), 1000, 1000, 0)
	root := a.WithIdentity(0, 0)

	cred, err := root.Sign()
	require.NoError(t, err)

	uid, err := a.ResolveUID(cred)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), uid)
}

func TestStepCredential(t *testing.T) {
	a := NewHMAC([]byte("secret"), 0, 0, 0)
	c := &StepCredential{JobID: 12, StepID: 3, UID: 1000, GID: 1000, Nodes: []string{"n1", "n2"}}
	a.SignStep(c)
	require.NotEmpty(t, c.Signature)

	decoded, err := UnmarshalStepCredential(c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, c, decoded)

	assert.NoError(t, a.VerifyStep(decoded, "n2"))
	assert.ErrorIs(t, a.VerifyStep(decoded, "n9"), ErrNodeNotAuthorized)

	decoded.Nodes = append(decoded.Nodes, "n9")
	assert.ErrorIs(t, a.VerifyStep(decoded, "n9"), ErrBadSignature)
}

func TestStepCredential_Expired(t *testing.T) {
	a := NewHMAC([]byte("secret"), 0, 0, 0)
	c := &StepCredential{JobID: 1, Nodes: []string{"n1"}, Expires: time.Now().Add(-time.Minute).Unix()}
	a.SignStep(c)

	assert.ErrorIs(t, a.VerifyStep(c, "n1"), ErrExpired)
}
