package eval

import (
	"sort"
	"sync"
	"time"

	"github.com/dukex/lazypipe/pkg/cache"
)

// Outcome tells how a node's outputs were obtained.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeCacheHit Outcome = "cache_hit"
	OutcomeMemoHit  Outcome = "memo_hit"
	OutcomeFailed   Outcome = "failed"
)

// NodeReport describes one node of an evaluation. Nodes whose values were
// never needed do not appear.
type NodeReport struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Key      cache.Key     `json:"key"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Stored   bool          `json:"stored,omitempty"`

	seq int
}

// Report summarizes an evaluation.
type Report struct {
	EvaluationID string        `json:"evaluation_id"`
	Nodes        []NodeReport  `json:"nodes"`
	Executed     int           `json:"executed"`
	CacheHits    int           `json:"cache_hits"`
	MemoHits     int           `json:"memo_hits"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
}

// Node returns the report of the node with the given id.
func (r *Report) Node(id string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n, true
		}
	}

	return NodeReport{}, false
}

// ExecutedNames lists the names of executed nodes in graph order.
func (r *Report) ExecutedNames() []string {
	names := make([]string, 0, r.Executed)

	for _, n := range r.Nodes {
		if n.Outcome == OutcomeExecuted {
			names = append(names, n.Name)
		}
	}

	return names
}

type collector struct {
	mu    sync.Mutex
	nodes []NodeReport
}

func (c *collector) add(n NodeReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = append(c.nodes, n)
}

func (c *collector) report(id string, duration time.Duration) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	nodes := make([]NodeReport, len(c.nodes))
	copy(nodes, c.nodes)

	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].seq < nodes[j].seq })

	r := &Report{EvaluationID: id, Nodes: nodes, Duration: duration}

	for _, n := range nodes {
		switch n.Outcome {
		case OutcomeExecuted:
			r.Executed++
		case OutcomeCacheHit:
			r.CacheHits++
		case OutcomeMemoHit:
			r.MemoHits++
		case OutcomeFailed:
			r.Failed++
		}
	}

	return r
}
