// Package forward plans and executes tree-structured message forwarding.
//
// A launcher sends a request to the first node of a step only. That message
// carries the remaining nodes in its forward annotation; each recipient splits
// its list into at most Width contiguous spans, relays to the first node of
// every span with the rest of the span as that node's forward list, and folds
// the replies of its subtree into its own answer.
package forward

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shizhuolin/slurm/pkg/protocol"
)

// DefaultWidth is the default fan width of every tree node.
const DefaultWidth = 50

// ErrNoNodes is returned when a plan is requested for an empty node set.
var ErrNoNodes = errors.New("forward: no nodes")

// Plan is the root of a forwarding tree.
type Plan struct {
	Root    protocol.Node
	Forward protocol.Forward
}

// NewPlan builds the forwarding tree over nodes, rooted at nodes[0].
func NewPlan(nodes []protocol.Node, width int, timeout time.Duration) (*Plan, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	if width <= 0 {
		width = DefaultWidth
	}
	return &Plan{
		Root: nodes[0],
		Forward: protocol.Forward{
			Nodes:   append([]protocol.Node(nil), nodes[1:]...),
			Width:   width,
			Timeout: timeout,
		},
	}, nil
}

// Depth is the number of relay hops below the root.
func (p *Plan) Depth() int {
	return Depth(len(p.Forward.Nodes), p.Forward.Width)
}

// ReplyTimeout is how long the root's reply may take: one timeout per level
// of the tree.
func (p *Plan) ReplyTimeout() time.Duration {
	return ReplyTimeout(p.Forward)
}

// ReplyTimeout is how long the head of a subtree forwarding to fwd may take
// to reply.
func ReplyTimeout(fwd protocol.Forward) time.Duration {
	return fwd.Timeout * time.Duration(Depth(len(fwd.Nodes), fwd.Width)+1)
}

// Depth returns the height of the subtree formed by n forwarded nodes.
func Depth(n, width int) int {
	if width <= 0 {
		width = DefaultWidth
	}
	depth := 0
	for n > 0 {
		depth++
		// each span keeps its head; the remainder is forwarded one level down
		span := (n + width - 1) / width
		n = span - 1
	}
	return depth
}

// Branch is one relay target and the nodes it must relay to in turn.
type Branch struct {
	Head    protocol.Node
	Forward []protocol.Node
}

// Split divides nodes into at most width contiguous spans of near-equal size.
func Split(nodes []protocol.Node, width int) []Branch {
	if len(nodes) == 0 {
		return nil
	}
	if width <= 0 {
		width = DefaultWidth
	}
	spans := width
	if len(nodes) < spans {
		spans = len(nodes)
	}
	base, extra := len(nodes)/spans, len(nodes)%spans
	branches := make([]Branch, 0, spans)
	start := 0
	for i := 0; i < spans; i++ {
		size := base
		if i < extra {
			size++
		}
		span := nodes[start : start+size]
		branches = append(branches, Branch{Head: span[0], Forward: span[1:]})
		start += size
	}
	return branches
}

// SendFunc delivers the forwarded message to head, annotated with fwd, and
// returns the replies of head's subtree.
type SendFunc func(ctx context.Context, head protocol.Node, fwd protocol.Forward) ([]protocol.RetData, error)

// Relay sends to every branch of fwd concurrently. Nodes of a branch whose
// head could not be reached are reported with failRC. The result lists every
// forwarded node exactly once, in branch order.
func Relay(ctx context.Context, fwd protocol.Forward, failRC int32, send SendFunc) []protocol.RetData {
	branches := Split(fwd.Nodes, fwd.Width)
	results := make([][]protocol.RetData, len(branches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(branches) + 1)
	for i, br := range branches {
		g.Go(func() error {
			sub := protocol.Forward{Nodes: br.Forward, Width: fwd.Width, Timeout: fwd.Timeout}
			rets, err := send(gctx, br.Head, sub)
			if err != nil {
				rets = failed(br, failRC)
			} else {
				rets = complete(br, rets, failRC)
			}
			results[i] = rets
			// a failed branch must not cancel its siblings
			return nil
		})
	}
	_ = g.Wait()

	var out []protocol.RetData
	for _, r := range results {
		out = append(out, r...)
	}
	return out
}

func failed(br Branch, rc int32) []protocol.RetData {
	rets := make([]protocol.RetData, 0, 1+len(br.Forward))
	rets = append(rets, protocol.RetData{NodeName: br.Head.Name, Type: protocol.ResponseSlurmRC, ReturnCode: rc})
	for _, n := range br.Forward {
		rets = append(rets, protocol.RetData{NodeName: n.Name, Type: protocol.ResponseSlurmRC, ReturnCode: rc})
	}
	return rets
}

// complete adds failRC entries for nodes of the branch missing from rets.
func complete(br Branch, rets []protocol.RetData, rc int32) []protocol.RetData {
	seen := make(map[string]bool, len(rets))
	for _, r := range rets {
		seen[r.NodeName] = true
	}
	if !seen[br.Head.Name] {
		rets = append(rets, protocol.RetData{NodeName: br.Head.Name, Type: protocol.ResponseSlurmRC, ReturnCode: rc})
	}
	for _, n := range br.Forward {
		if !seen[n.Name] {
			rets = append(rets, protocol.RetData{NodeName: n.Name, Type: protocol.ResponseSlurmRC, ReturnCode: rc})
		}
	}
	return rets
}
