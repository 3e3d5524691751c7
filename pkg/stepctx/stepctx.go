// Package stepctx describes the allocation a job step runs in: identities,
// the signed step credential, the node address table and the task layout.
package stepctx

import (
	"errors"
	"fmt"

	"github.com/shizhuolin/slurm/pkg/auth"
	"github.com/shizhuolin/slurm/pkg/protocol"
)

// Layout is the per-node task distribution of a step.
type Layout struct {
	// Tasks is the number of tasks on each node.
	Tasks []uint32
	// TIDs holds the global task ids placed on each node.
	TIDs [][]uint32
	// CPUs is the number of CPUs allocated on each node.
	CPUs []uint32
}

// Context is the step context a launch consumes.
type Context struct {
	JobID      uint32
	StepID     uint32
	UserID     uint32
	GroupID    uint32
	Credential *auth.StepCredential
	NodeList   []string
	// NodeAddrs maps every node of NodeList to its daemon address.
	NodeAddrs map[string]string
	Layout    Layout
}

// NumNodes is the number of nodes of the step.
func (c *Context) NumNodes() int { return len(c.NodeList) }

// NumTasks is the total number of tasks of the step.
func (c *Context) NumTasks() int {
	n := 0
	for _, t := range c.Layout.Tasks {
		n += int(t)
	}
	return n
}

// Nodes returns the node address table in node order.
func (c *Context) Nodes() []protocol.Node {
	nodes := make([]protocol.Node, len(c.NodeList))
	for i, name := range c.NodeList {
		nodes[i] = protocol.Node{Name: name, Addr: c.NodeAddrs[name]}
	}
	return nodes
}

// CredentialSignature is the signature keying the step's client I/O.
func (c *Context) CredentialSignature() []byte {
	if c.Credential == nil {
		return nil
	}
	return c.Credential.Signature
}

// Validate checks that the context is complete and self-consistent.
func (c *Context) Validate() error {
	var errs []error
	if len(c.NodeList) == 0 {
		errs = append(errs, errors.New("node list is empty"))
	}
	if c.Credential == nil || len(c.Credential.Signature) == 0 {
		errs = append(errs, errors.New("step credential is missing or unsigned"))
	}
	seen := make(map[string]bool, len(c.NodeList))
	for _, n := range c.NodeList {
		if seen[n] {
			errs = append(errs, fmt.Errorf("node %q listed twice", n))
		}
		seen[n] = true
		if c.NodeAddrs[n] == "" {
			errs = append(errs, fmt.Errorf("node %q has no address", n))
		}
	}
	nn := len(c.NodeList)
	if len(c.Layout.Tasks) != nn || len(c.Layout.TIDs) != nn || len(c.Layout.CPUs) != nn {
		errs = append(errs, fmt.Errorf("layout covers %d/%d/%d nodes, step has %d",
			len(c.Layout.Tasks), len(c.Layout.TIDs), len(c.Layout.CPUs), nn))
	} else {
		for i := range c.NodeList {
			if int(c.Layout.Tasks[i]) != len(c.Layout.TIDs[i]) {
				errs = append(errs, fmt.Errorf("node %q: %d tasks but %d task ids",
					c.NodeList[i], c.Layout.Tasks[i], len(c.Layout.TIDs[i])))
			}
		}
	}
	if len(errs) == 0 && c.NumTasks() == 0 {
		errs = append(errs, errors.New("step has no tasks"))
	}
	return errors.Join(errs...)
}

// BlockLayout distributes ntasks over nodes in contiguous blocks, the first
// ntasks%nodes nodes taking one extra task. cpus is the per-node CPU count.
func BlockLayout(nodes, ntasks int, cpus uint32) Layout {
	l := Layout{
		Tasks: make([]uint32, nodes),
		TIDs:  make([][]uint32, nodes),
		CPUs:  make([]uint32, nodes),
	}
	if nodes == 0 {
		return l
	}
	base, extra := ntasks/nodes, ntasks%nodes
	tid := uint32(0)
	for i := 0; i < nodes; i++ {
		n := base
		if i < extra {
			n++
		}
		l.Tasks[i] = uint32(n)
		l.CPUs[i] = cpus
		for j := 0; j < n; j++ {
			l.TIDs[i] = append(l.TIDs[i], tid)
			tid++
		}
	}
	return l
}
