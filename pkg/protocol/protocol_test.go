package protocol

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shizhuolin/slurm/pkg/auth"
)

func testTransport() *Transport {
	return NewTransport(auth.NewHMAC([]byte("k"), 1000, 1000, 0), time.Second)
}

func TestLaunchRequestEnvelope(t *testing.T) {
	cred := &auth.StepCredential{JobID: 7, StepID: 1, UID: 1000, Nodes: []string{"n0", "n1", "n2"}, Signature: []byte("sig")}
	req := &LaunchTasksRequest{
		JobID: 7, StepID: 1, UID: 1000, GID: 1000,
		NumNodes: 3, NumTasks: 4,
		Argv:          []string{"/bin/hostname"},
		Env:           []string{"A=1"},
		Cwd:           "/tmp",
		Cred:          cred,
		NodeList:      []string{"n0", "n1", "n2"},
		TasksToLaunch: []uint32{2, 2, 0},
		CPUsAllocated: []uint32{2, 2, 1},
		GlobalTaskIDs: [][]uint32{{0, 1}, {2, 3}, nil},
		RespPorts:     []uint16{5000, 5000, 5000},
		IOPorts:       []uint16{6000, 6001, 6000},
		TaskFlags:     TaskParallelDebug,
		BufferedStdio: true,
		OutputFilename: "out-%t",
	}
	m := &Message{
		Type: RequestLaunchTasks,
		Data: req,
		Forward: Forward{
			Nodes:   []Node{{Name: "n1", Addr: "10.0.0.1:1"}, {Name: "n2", Addr: "10.0.0.2:1"}},
			Width:   2,
			Timeout: 3 * time.Second,
		},
		RetList:  []RetData{{NodeName: "n1", Type: ResponseSlurmRC, ReturnCode: RCForwardFailed}},
		OrigAddr: "10.0.0.9",
	}

	b, err := m.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, RequestLaunchTasks, got.Type)
	assert.Equal(t, m.Forward, got.Forward)
	assert.Equal(t, m.RetList, got.RetList)
	assert.Equal(t, "10.0.0.9", got.OrigAddr)

	decoded, ok := got.Data.(*LaunchTasksRequest)
	require.True(t, ok)
	assert.Equal(t, req, decoded)
	assert.Equal(t, 1, decoded.NodeIndex("n1"))
	assert.Equal(t, -1, decoded.NodeIndex("nx"))
}

func TestNegativeReturnCodes(t *testing.T) {
	m := &Message{Type: ResponseLaunchTasks, Data: &LaunchTasksResponse{ReturnCode: RCError, NodeName: "n0", TaskIDs: []uint32{0, 1}}}
	b, err := m.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	resp := got.Data.(*LaunchTasksResponse)
	assert.Equal(t, RCError, resp.ReturnCode)
	assert.Equal(t, 2, resp.CountOfPIDs())
}

func TestUnknownTypeKeepsBody(t *testing.T) {
	m := &Message{Type: MsgType(4242), Body: []byte{1, 2, 3}}
	b, err := m.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Nil(t, got.Data)
	assert.Equal(t, []byte{1, 2, 3}, got.Body)
	assert.Equal(t, "MSG_TYPE_4242", got.Type.String())
}

func TestPackRejectsMismatchedPayload(t *testing.T) {
	m := &Message{Type: MessageTaskExit, Data: &NodeFailMsg{}}
	assert.Error(t, m.Pack())

	m = &Message{Type: MessageTaskExit}
	assert.Error(t, m.Pack())
}

func TestReadFrame_Errors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, err := ReadFrame(bytes.NewReader(truncated))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = Unmarshal([]byte{0xff})
	assert.Error(t, err)
}

func TestTransport_SendRecvRC(t *testing.T) {
	tr := testTransport()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan *Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		m, err := tr.Receive(conn, time.Second)
		if err != nil {
			return
		}
		received <- m
		_ = tr.SendRC(m, RCSuccess, RetData{NodeName: "n1", Type: ResponseSlurmRC, ReturnCode: RCTimeout})
	}()

	msg := &Message{Type: SrunNodeFail, Data: &NodeFailMsg{JobID: 1, NodeList: []string{"n3"}}}
	rets, err := tr.SendRecvRC(context.Background(), Node{Name: "n0", Addr: ln.Addr().String()}, msg, time.Second)
	require.NoError(t, err)
	require.Len(t, rets, 2)
	assert.Equal(t, RetData{NodeName: "n0", Type: ResponseSlurmRC, ReturnCode: RCSuccess}, rets[0])
	assert.Equal(t, RCTimeout, rets[1].ReturnCode)

	m := <-received
	uid, err := auth.NewHMAC([]byte("k"), 0, 0, 0).ResolveUID(m.Auth)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), uid)
	assert.Equal(t, []string{"n3"}, m.Data.(*NodeFailMsg).NodeList)
}

func TestTransport_SendRecvRCTimeout(t *testing.T) {
	tr := testTransport()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(500 * time.Millisecond)
	}()

	msg := &Message{Type: SrunNodeFail, Data: &NodeFailMsg{}}
	_, err = tr.SendRecvRC(context.Background(), Node{Name: "n0", Addr: ln.Addr().String()}, msg, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}
