// Package protocol implements the framed control protocol spoken between a
// step launcher, node daemons and launched tasks.
//
// Every frame is a 4-byte big-endian length followed by a protowire encoded
// envelope: message type, sender credential, forwarding annotation, enclosed
// forwarded replies and the type-specific body.
package protocol

import (
	"fmt"
	"time"
)

// MsgType identifies the payload carried by a Message.
type MsgType uint16

const (
	RequestLaunchTasks  MsgType = 6001
	ResponseLaunchTasks MsgType = 6002
	MessageTaskExit     MsgType = 6003
	SrunNodeFail        MsgType = 7005
	PMIKVSPutReq        MsgType = 7201
	PMIKVSGetReq        MsgType = 7202
	PMIKVSGetResp       MsgType = 7203
	ResponseSlurmRC     MsgType = 8001
)

func (t MsgType) String() string {
	switch t {
	case RequestLaunchTasks:
		return "REQUEST_LAUNCH_TASKS"
	case ResponseLaunchTasks:
		return "RESPONSE_LAUNCH_TASKS"
	case MessageTaskExit:
		return "MESSAGE_TASK_EXIT"
	case SrunNodeFail:
		return "SRUN_NODE_FAIL"
	case PMIKVSPutReq:
		return "PMI_KVS_PUT_REQ"
	case PMIKVSGetReq:
		return "PMI_KVS_GET_REQ"
	case PMIKVSGetResp:
		return "PMI_KVS_GET_RESP"
	case ResponseSlurmRC:
		return "RESPONSE_SLURM_RC"
	default:
		return fmt.Sprintf("MSG_TYPE_%d", uint16(t))
	}
}

// Return codes carried in ResponseSlurmRC and RetData.
const (
	RCSuccess         int32 = 0
	RCError           int32 = -1
	RCConnectionError int32 = 1001
	RCSendError       int32 = 1002
	RCReceiveError    int32 = 1003
	RCTimeout         int32 = 1005
	RCForwardFailed   int32 = 1006
	RCAuthFailure     int32 = 2001
	RCInvalidRequest  int32 = 2002
)

// Task flags carried in LaunchTasksRequest.TaskFlags.
const (
	TaskParallelDebug uint32 = 1 << 0
)

// Node is one entry of the node address table.
type Node struct {
	Name string
	Addr string
}

// Forward tells the recipient of a message which nodes it must relay the
// same message to, and how wide its own relay fan may be.
type Forward struct {
	Nodes   []Node
	Width   int
	Timeout time.Duration
}

// Empty reports whether the recipient has nothing to relay.
func (f Forward) Empty() bool { return len(f.Nodes) == 0 }

// RetData is the per-node outcome of a forwarded request.
type RetData struct {
	NodeName   string
	Type       MsgType
	ReturnCode int32
}
