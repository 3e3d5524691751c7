package protocol

import (
	"net"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/shizhuolin/slurm/pkg/auth"
)

// Message is one decoded frame.
type Message struct {
	Type    MsgType
	Auth    auth.Credential
	Forward Forward
	// RetList holds replies of forwarded peers enclosed in a response.
	RetList []RetData
	// OrigAddr is the host of the original requester, recorded by the first
	// node daemon and propagated along relays.
	OrigAddr string
	Data     Payload
	Body     []byte

	// Conn is the connection the message arrived on. Replies are written to it.
	Conn net.Conn
}

// LaunchTasksRequest asks node daemons to start the tasks of a step.
type LaunchTasksRequest struct {
	JobID    uint32
	StepID   uint32
	UID      uint32
	GID      uint32
	NumNodes uint32
	NumTasks uint32

	Argv []string
	Env  []string
	Cwd  string

	Cred *auth.StepCredential

	NodeList      []string
	TasksToLaunch []uint32
	CPUsAllocated []uint32
	GlobalTaskIDs [][]uint32

	// RespPorts and IOPorts are indexed by node.
	RespPorts []uint16
	IOPorts   []uint16

	SlurmdDebug   uint32
	TaskFlags     uint32
	MultiProg     bool
	BufferedStdio bool

	OutputFilename string
	ErrorFilename  string
	InputFilename  string
}

func (*LaunchTasksRequest) Type() MsgType { return RequestLaunchTasks }

// NodeIndex returns the position of name in NodeList, or -1.
func (r *LaunchTasksRequest) NodeIndex(name string) int {
	for i, n := range r.NodeList {
		if n == name {
			return i
		}
	}
	return -1
}

func (r *LaunchTasksRequest) marshal(b []byte) []byte {
	b = appendUint(b, 1, uint64(r.JobID))
	b = appendUint(b, 2, uint64(r.StepID))
	b = appendUint(b, 3, uint64(r.UID))
	b = appendUint(b, 4, uint64(r.GID))
	b = appendUint(b, 5, uint64(r.NumNodes))
	b = appendUint(b, 6, uint64(r.NumTasks))
	for _, a := range r.Argv {
		b = appendString(b, 7, a)
	}
	for _, e := range r.Env {
		b = appendString(b, 8, e)
	}
	b = appendString(b, 9, r.Cwd)
	if r.Cred != nil {
		b = appendBytes(b, 10, r.Cred.Marshal())
	}
	for _, n := range r.NodeList {
		b = appendString(b, 11, n)
	}
	b = appendPacked(b, 12, r.TasksToLaunch)
	b = appendPacked(b, 13, r.CPUsAllocated)
	for _, tids := range r.GlobalTaskIDs {
		b = appendPacked(b, 14, tids)
	}
	b = appendPorts(b, 15, r.RespPorts)
	b = appendPorts(b, 16, r.IOPorts)
	b = appendUint(b, 17, uint64(r.SlurmdDebug))
	b = appendUint(b, 18, uint64(r.TaskFlags))
	b = appendBool(b, 19, r.MultiProg)
	b = appendBool(b, 20, r.BufferedStdio)
	b = appendString(b, 21, r.OutputFilename)
	b = appendString(b, 22, r.ErrorFilename)
	b = appendString(b, 23, r.InputFilename)
	return b
}

func (r *LaunchTasksRequest) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		var err error
		switch num {
		case 1:
			r.JobID = uint32(v)
		case 2:
			r.StepID = uint32(v)
		case 3:
			r.UID = uint32(v)
		case 4:
			r.GID = uint32(v)
		case 5:
			r.NumNodes = uint32(v)
		case 6:
			r.NumTasks = uint32(v)
		case 7:
			r.Argv = append(r.Argv, string(raw))
		case 8:
			r.Env = append(r.Env, string(raw))
		case 9:
			r.Cwd = string(raw)
		case 10:
			r.Cred, err = auth.UnmarshalStepCredential(raw)
		case 11:
			r.NodeList = append(r.NodeList, string(raw))
		case 12:
			r.TasksToLaunch, err = consumePacked(raw)
		case 13:
			r.CPUsAllocated, err = consumePacked(raw)
		case 14:
			var tids []uint32
			tids, err = consumePacked(raw)
			r.GlobalTaskIDs = append(r.GlobalTaskIDs, tids)
		case 15:
			r.RespPorts, err = consumePorts(raw)
		case 16:
			r.IOPorts, err = consumePorts(raw)
		case 17:
			r.SlurmdDebug = uint32(v)
		case 18:
			r.TaskFlags = uint32(v)
		case 19:
			r.MultiProg = v != 0
		case 20:
			r.BufferedStdio = v != 0
		case 21:
			r.OutputFilename = string(raw)
		case 22:
			r.ErrorFilename = string(raw)
		case 23:
			r.InputFilename = string(raw)
		}
		return err
	})
}

// LaunchTasksResponse reports the start result of the tasks of one node.
type LaunchTasksResponse struct {
	ReturnCode int32
	NodeName   string
	SrunNodeID uint32
	LocalPIDs  []uint32
	TaskIDs    []uint32
}

func (*LaunchTasksResponse) Type() MsgType { return ResponseLaunchTasks }

// CountOfPIDs is the number of tasks the response accounts for.
func (r *LaunchTasksResponse) CountOfPIDs() int { return len(r.TaskIDs) }

func (r *LaunchTasksResponse) marshal(b []byte) []byte {
	b = appendSint(b, 1, r.ReturnCode)
	b = appendString(b, 2, r.NodeName)
	b = appendUint(b, 3, uint64(r.SrunNodeID))
	b = appendPacked(b, 4, r.LocalPIDs)
	b = appendPacked(b, 5, r.TaskIDs)
	return b
}

func (r *LaunchTasksResponse) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		var err error
		switch num {
		case 1:
			r.ReturnCode = int32(protowire.DecodeZigZag(v))
		case 2:
			r.NodeName = string(raw)
		case 3:
			r.SrunNodeID = uint32(v)
		case 4:
			r.LocalPIDs, err = consumePacked(raw)
		case 5:
			r.TaskIDs, err = consumePacked(raw)
		}
		return err
	})
}

// TaskExitMsg reports that a group of tasks exited with the same status.
type TaskExitMsg struct {
	JobID      uint32
	StepID     uint32
	ReturnCode int32
	TaskIDs    []uint32
}

func (*TaskExitMsg) Type() MsgType { return MessageTaskExit }

// NumTasks is the number of exited tasks the message accounts for.
func (m *TaskExitMsg) NumTasks() int { return len(m.TaskIDs) }

func (m *TaskExitMsg) marshal(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.JobID))
	b = appendUint(b, 2, uint64(m.StepID))
	b = appendSint(b, 3, m.ReturnCode)
	b = appendPacked(b, 4, m.TaskIDs)
	return b
}

func (m *TaskExitMsg) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		var err error
		switch num {
		case 1:
			m.JobID = uint32(v)
		case 2:
			m.StepID = uint32(v)
		case 3:
			m.ReturnCode = int32(protowire.DecodeZigZag(v))
		case 4:
			m.TaskIDs, err = consumePacked(raw)
		}
		return err
	})
}

// NodeFailMsg reports nodes of the step that are no longer responding.
type NodeFailMsg struct {
	JobID    uint32
	StepID   uint32
	NodeList []string
}

func (*NodeFailMsg) Type() MsgType { return SrunNodeFail }

func (m *NodeFailMsg) marshal(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.JobID))
	b = appendUint(b, 2, uint64(m.StepID))
	for _, n := range m.NodeList {
		b = appendString(b, 3, n)
	}
	return b
}

func (m *NodeFailMsg) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			m.JobID = uint32(v)
		case 2:
			m.StepID = uint32(v)
		case 3:
			m.NodeList = append(m.NodeList, string(raw))
		}
		return nil
	})
}

// KVSComm is one named key-value space.
type KVSComm struct {
	Name   string
	Keys   []string
	Values []string
}

// KVSCommSet is a PMI put request.
type KVSCommSet struct {
	TaskID uint32
	Comms  []KVSComm
}

func (*KVSCommSet) Type() MsgType { return PMIKVSPutReq }

func (s *KVSCommSet) marshal(b []byte) []byte {
	b = appendUint(b, 1, uint64(s.TaskID))
	for _, c := range s.Comms {
		var cb []byte
		cb = appendString(cb, 1, c.Name)
		for i, k := range c.Keys {
			var kv []byte
			kv = appendString(kv, 1, k)
			if i < len(c.Values) {
				kv = appendString(kv, 2, c.Values[i])
			}
			cb = appendBytes(cb, 2, kv)
		}
		b = appendBytes(b, 2, cb)
	}
	return b
}

func (s *KVSCommSet) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			s.TaskID = uint32(v)
		case 2:
			var c KVSComm
			err := walkFields(raw, func(num protowire.Number, _ uint64, raw []byte) error {
				switch num {
				case 1:
					c.Name = string(raw)
				case 2:
					var k, val string
					if err := walkFields(raw, func(num protowire.Number, _ uint64, raw []byte) error {
						switch num {
						case 1:
							k = string(raw)
						case 2:
							val = string(raw)
						}
						return nil
					}); err != nil {
						return err
					}
					c.Keys = append(c.Keys, k)
					c.Values = append(c.Values, val)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Comms = append(s.Comms, c)
		}
		return nil
	})
}

// KVSGetResponse pushes key-value data to a task.
type KVSGetResponse struct {
	Set KVSCommSet
}

func (*KVSGetResponse) Type() MsgType { return PMIKVSGetResp }

func (r *KVSGetResponse) marshal(b []byte) []byte  { return r.Set.marshal(b) }
func (r *KVSGetResponse) unmarshal(b []byte) error { return r.Set.unmarshal(b) }

// KVSGetMsg is a PMI get request. An empty Key joins the exchange barrier:
// once Size tasks have asked, every requester receives the whole space at
// Hostname:Port. A non-empty Key looks up a single entry.
type KVSGetMsg struct {
	TaskID   uint32
	Size     uint32
	Port     uint16
	Hostname string
	KVSName  string
	Key      string
}

func (*KVSGetMsg) Type() MsgType { return PMIKVSGetReq }

func (m *KVSGetMsg) marshal(b []byte) []byte {
	b = appendUint(b, 1, uint64(m.TaskID))
	b = appendUint(b, 2, uint64(m.Size))
	b = appendUint(b, 3, uint64(m.Port))
	b = appendString(b, 4, m.Hostname)
	b = appendString(b, 5, m.KVSName)
	b = appendString(b, 6, m.Key)
	return b
}

func (m *KVSGetMsg) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, v uint64, raw []byte) error {
		switch num {
		case 1:
			m.TaskID = uint32(v)
		case 2:
			m.Size = uint32(v)
		case 3:
			m.Port = uint16(v)
		case 4:
			m.Hostname = string(raw)
		case 5:
			m.KVSName = string(raw)
		case 6:
			m.Key = string(raw)
		}
		return nil
	})
}

// ReturnCodeMsg is the generic status reply.
type ReturnCodeMsg struct {
	ReturnCode int32
}

func (*ReturnCodeMsg) Type() MsgType { return ResponseSlurmRC }

func (m *ReturnCodeMsg) marshal(b []byte) []byte { return appendSint(b, 1, m.ReturnCode) }

func (m *ReturnCodeMsg) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, v uint64, _ []byte) error {
		if num == 1 {
			m.ReturnCode = int32(protowire.DecodeZigZag(v))
		}
		return nil
	})
}
