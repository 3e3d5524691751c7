package clientio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var testSig = []byte("step-signature")

func newHandler(t *testing.T, stdout, stderr io.Writer, label bool, nodes int) *Handler {
	t.Helper()
	h, err := New(Config{
		ListenAddr: "127.0.0.1:0",
		FDs:        FDs{Stdout: stdout, Stderr: stderr},
		NumTasks:   4,
		NumNodes:   nodes,
		Signature:  testSig,
		Label:      label,
	})
	require.NoError(t, err)
	require.NoError(t, h.Start())
	return h
}

func dial(t *testing.T, h *Handler, sig []byte) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, fmt.Sprintf("127.0.0.1:%d", h.ListenPorts()[0]), 0, "node0", sig)
	require.NoError(t, err)
	return c
}

func TestNew_ListenPortsPerNodes(t *testing.T) {
	for _, tc := range []struct {
		nodes int
		ports int
	}{
		{1, 1}, {64, 1}, {65, 2}, {200, 4},
	} {
		h, err := New(Config{ListenAddr: "127.0.0.1:0", NumTasks: 1, NumNodes: tc.nodes, Signature: testSig})
		require.NoError(t, err)
		assert.Len(t, h.ListenPorts(), tc.ports, "nodes=%d", tc.nodes)
		h.Destroy()
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{NumNodes: 0, Signature: testSig})
	assert.Error(t, err)

	_, err = New(Config{NumNodes: 1})
	assert.Error(t, err)
}

func TestHandler_ForwardsOutput(t *testing.T) {
	stdout, stderr := &syncBuffer{}, &syncBuffer{}
	h := newHandler(t, stdout, stderr, false, 1)

	c := dial(t, h, testSig)
	out := c.Writer(Stdout, 0)
	errw := c.Writer(Stderr, 1)
	_, err := out.Write([]byte("hello\n"))
	require.NoError(t, err)
	_, err = errw.Write([]byte("oops\n"))
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.NoError(t, errw.Close())
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return stdout.String() == "hello\n" && stderr.String() == "oops\n"
	}, 5*time.Second, 10*time.Millisecond)
	h.Finish()
	h.Destroy()
}

func TestHandler_LabelsLines(t *testing.T) {
	stdout := &syncBuffer{}
	h := newHandler(t, stdout, io.Discard, true, 1)

	c := dial(t, h, testSig)
	w := c.Writer(Stdout, 3)
	_, _ = w.Write([]byte("first li"))
	_, _ = w.Write([]byte("ne\nsecond\ntail"))
	require.NoError(t, w.Close())
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return stdout.String() == "3: first line\n3: second\n3: tail\n"
	}, 5*time.Second, 10*time.Millisecond)
	h.Finish()
	h.Destroy()
}

func TestHandler_RejectsWrongSignature(t *testing.T) {
	stdout := &syncBuffer{}
	h := newHandler(t, stdout, io.Discard, false, 1)

	c := dial(t, h, []byte("forged"))
	w := c.Writer(Stdout, 0)
	_, _ = w.Write([]byte("should not appear\n"))
	_ = c.Close()

	h.Finish()
	h.Destroy()

	assert.Empty(t, stdout.String())
}

func TestHandler_DestroyClosesOpenStreams(t *testing.T) {
	h := newHandler(t, io.Discard, io.Discard, false, 1)
	c := dial(t, h, testSig)
	defer c.Close()

	done := make(chan struct{})
	go func() {
		h.Destroy()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Destroy did not return with a connection open")
	}
	h.Destroy()
}

func TestHandler_FinishBounded(t *testing.T) {
	h, err := New(Config{
		ListenAddr:   "127.0.0.1:0",
		NumTasks:     1,
		NumNodes:     1,
		Signature:    testSig,
		DrainTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, h.Start())

	c := dial(t, h, testSig)
	defer c.Close()

	start := time.Now()
	h.Finish()
	assert.Less(t, time.Since(start), 3*time.Second)
	h.Destroy()
}
