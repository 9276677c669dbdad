// Package graph provides the lazy computation graph: node definitions wrapping
// plain Go functions, output handles and the argument sources that wire them.
//
// Building a graph never runs a node body. Calling a Func records a Node and
// hands back one Handle per output; evaluation is done by package eval.
package graph

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Graph owns every node created through its funcs. It is built once, usually
// at program start, and is read-only for evaluators afterwards.
type Graph struct {
	mu      sync.RWMutex
	nodes   []*Node
	exports map[string]Handle
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		exports: make(map[string]Handle),
	}
}

// Node is one deferred invocation of a Func.
type Node struct {
	id    string
	seq   int
	fn    *Func
	args  []Source
	graph *Graph
}

// ID returns the node's construction-order identifier (n0, n1, ...).
func (n *Node) ID() string { return n.id }

// Seq returns the node's position in construction order.
func (n *Node) Seq() int { return n.seq }

// Func returns the definition this node calls.
func (n *Node) Func() *Func { return n.fn }

// Name returns the short display name of the node's function.
func (n *Node) Name() string { return n.fn.ShortName() }

// Args returns a copy of the node's argument sources.
func (n *Node) Args() []Source {
	out := make([]Source, len(n.args))
	copy(out, n.args)

	return out
}

// Deps returns the distinct upstream nodes in argument order.
func (n *Node) Deps() []*Node {
	seen := make(map[*Node]struct{}, len(n.args))
	deps := make([]*Node, 0, len(n.args))

	for _, arg := range n.args {
		if arg.kind != SourceOutput {
			continue
		}

		up := arg.handle.node
		if _, ok := seen[up]; ok {
			continue
		}

		seen[up] = struct{}{}
		deps = append(deps, up)
	}

	return deps
}

func (n *Node) String() string {
	return n.fn.ShortName() + "#" + n.id
}

// Handle refers to one output of one node.
type Handle struct {
	node  *Node
	index int
}

// Node returns the node producing this output, nil for the zero Handle.
func (h Handle) Node() *Node { return h.node }

// Index returns the output position in [0, nout).
func (h Handle) Index() int { return h.index }

// Valid reports whether the handle points at an existing output.
func (h Handle) Valid() bool {
	return h.node != nil && h.index >= 0 && h.index < h.node.fn.nout
}

func (h Handle) String() string {
	if h.node == nil {
		return "<nil handle>"
	}

	if h.node.fn.nout == 1 {
		return h.node.String()
	}

	return h.node.String() + "[" + strconv.Itoa(h.index) + "]"
}

// Nodes returns all nodes in construction order.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)

	return out
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.nodes)
}

// Owns reports whether the handle was created by this graph.
func (g *Graph) Owns(h Handle) bool {
	return h.node != nil && h.node.graph == g
}

// Export publishes a handle under a name so binaries can request it by name.
func (g *Graph) Export(name string, h Handle) error {
	if !h.Valid() {
		return newNodeError("Export", name, ErrInvalidHandle)
	}

	if !g.Owns(h) {
		return newNodeError("Export", name, ErrForeignHandle)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.exports[name]; ok {
		return newNodeError("Export", name, ErrDuplicateExport)
	}

	g.exports[name] = h

	return nil
}

// Lookup returns the handle exported under name.
func (g *Graph) Lookup(name string) (Handle, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	h, ok := g.exports[name]

	return h, ok
}

// ExportNames returns the exported names, sorted.
func (g *Graph) ExportNames() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.exports))
	for name := range g.exports {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Exports returns a copy of the export table.
func (g *Graph) Exports() map[string]Handle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]Handle, len(g.exports))
	for name, h := range g.exports {
		out[name] = h
	}

	return out
}

func (g *Graph) add(fn *Func, args []Source) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	node := &Node{
		id:    fmt.Sprintf("n%d", len(g.nodes)),
		seq:   len(g.nodes),
		fn:    fn,
		args:  args,
		graph: g,
	}
	g.nodes = append(g.nodes, node)

	return node
}

// Validate checks that no node reaches itself through its arguments. Graphs
// built through Call cannot contain cycles; the check guards hand-made nodes.
func (g *Graph) Validate() error {
	return DetectCycles(g.Nodes())
}

// DetectCycles runs a depth-first search over the given nodes and their
// transitive dependencies. It returns an ErrCycle error naming the path.
func DetectCycles(roots []*Node) error {
	const (
		visiting = 1
		done     = 2
	)

	state := make(map[*Node]int)
	path := make([]*Node, 0)

	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch state[n] {
		case done:
			return nil
		case visiting:
			names := make([]string, 0, len(path)+1)
			for _, p := range path {
				names = append(names, p.String())
			}

			names = append(names, n.String())

			return newNodeError("Validate", n.String(), fmt.Errorf("%w: %v", ErrCycle, names))
		}

		state[n] = visiting
		path = append(path, n)

		for _, dep := range n.Deps() {
			err := visit(dep)
			if err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		state[n] = done

		return nil
	}

	for _, n := range roots {
		err := visit(n)
		if err != nil {
			return err
		}
	}

	return nil
}

// NodeInfo is a serializable description of a node.
type NodeInfo struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Version string   `json:"version,omitempty"`
	Outputs int      `json:"outputs"`
	Deps    []string `json:"deps"`
	Params  []string `json:"params,omitempty"`
}

// Describe lists every node with its dependencies and parameter slots.
func (g *Graph) Describe() []NodeInfo {
	nodes := g.Nodes()
	infos := make([]NodeInfo, 0, len(nodes))

	for _, n := range nodes {
		info := NodeInfo{
			ID:      n.id,
			Name:    n.fn.Identity(),
			Version: n.fn.version,
			Outputs: n.fn.nout,
			Deps:    make([]string, 0),
		}

		for _, dep := range n.Deps() {
			info.Deps = append(info.Deps, dep.id)
		}

		for _, arg := range n.args {
			if arg.kind == SourceParam && arg.slot != nil {
				info.Params = append(info.Params, arg.slot.Name())
			}
		}

		infos = append(infos, info)
	}

	return infos
}
