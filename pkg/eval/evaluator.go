// Package eval materializes requested outputs of a graph.
//
// An evaluation collects the subgraph behind the requested handles, checks it
// for cycles, resolves every parameter slot it reaches and derives a cache key
// per node in topological order. Nodes are then resolved by a worker pool:
// cached nodes are read back without touching their upstream, the rest run
// once their inputs are available, and every key is produced at most once per
// evaluation.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/dukex/lazypipe/pkg/events"
	"github.com/dukex/lazypipe/pkg/graph"
	"github.com/dukex/lazypipe/pkg/otelhelper"
	"github.com/dukex/lazypipe/pkg/params"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Evaluator resolves handles of one graph. It is safe for concurrent use;
// each call is an independent evaluation sharing only the store.
type Evaluator struct {
	graph  *graph.Graph
	opts   Options
	logger *slog.Logger
}

// New creates an evaluator for g.
func New(g *graph.Graph, opts ...Option) (*Evaluator, error) {
	if g == nil {
		return nil, errors.New("graph is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	err := o.validate()
	if err != nil {
		return nil, fmt.Errorf("invalid evaluator options: %w", err)
	}

	return &Evaluator{
		graph:  g,
		opts:   o,
		logger: o.Logger.With("module", "evaluator"),
	}, nil
}

func (e *Evaluator) Graph() *graph.Graph { return e.graph }

// Store returns the cache store in use.
func (e *Evaluator) Store() cache.Store { return e.opts.Store }

// Evaluate returns one value per handle, in request order.
func (e *Evaluator) Evaluate(ctx context.Context, handles []graph.Handle, binding params.Binding) ([]any, error) {
	values, _, err := e.EvaluateWithReport(ctx, handles, binding)

	return values, err
}

// EvaluateNamed evaluates exported handles by name.
func (e *Evaluator) EvaluateNamed(ctx context.Context, names []string, binding params.Binding) ([]any, error) {
	handles, err := e.Resolve(names)
	if err != nil {
		return nil, err
	}

	return e.Evaluate(ctx, handles, binding)
}

// Resolve maps export names to handles.
func (e *Evaluator) Resolve(names []string) ([]graph.Handle, error) {
	handles := make([]graph.Handle, len(names))

	for i, name := range names {
		h, ok := e.graph.Lookup(name)
		if !ok {
			return nil, newError(StageConstruction, "", "", fmt.Errorf("%w: %s", ErrUnknownTarget, name))
		}

		handles[i] = h
	}

	return handles, nil
}

// Keys returns the cache key of each handle's node under binding without
// running anything.
func (e *Evaluator) Keys(handles []graph.Handle, binding params.Binding) ([]cache.Key, error) {
	p, err := e.prepare(handles, binding)
	if err != nil {
		return nil, err
	}

	keys := make([]cache.Key, len(handles))
	for i, h := range handles {
		keys[i] = p.keys[h.Node()]
	}

	return keys, nil
}

// EvaluateWithReport is Evaluate that also reports how each node was resolved.
// The report is returned even when the evaluation fails.
func (e *Evaluator) EvaluateWithReport(ctx context.Context, handles []graph.Handle, binding params.Binding) ([]any, *Report, error) {
	start := time.Now()
	id := uuid.New().String()
	logger := e.logger.With("evaluation_id", id)

	targets := make([]string, len(handles))
	for i, h := range handles {
		targets[i] = h.String()
	}

	ctx, span := otelhelper.StartSpan(ctx, e.opts.Tracer, "evaluate",
		attribute.String(otelhelper.EvaluationIDKey, id),
		attribute.StringSlice(otelhelper.TargetsKey, targets),
		attribute.Int(otelhelper.WorkersKey, e.opts.Workers),
	)
	defer span.End()

	r := &run{
		ev:        e,
		id:        id,
		binding:   binding,
		memo:      newMemo(),
		collector: &collector{},
		logger:    logger,
	}

	fail := func(err error) ([]any, *Report, error) {
		report := r.collector.report(id, time.Since(start))

		failed := events.EvaluationFailed{
			BaseEvent: events.NewBaseEvent(events.EvaluationFailedEvent, id),
			Stage:     string(StageOf(err)),
			Error:     err.Error(),
			Duration:  report.Duration,
		}
		var evalErr *Error
		if errors.As(err, &evalErr) {
			failed.NodeID = evalErr.Node
		}

		r.publish(ctx, failed)
		otelhelper.SetError(span, err, attribute.String(otelhelper.StageKey, string(StageOf(err))))
		logger.ErrorContext(ctx, "Evaluation failed", "stage", StageOf(err), "error", err)

		return nil, report, err
	}

	p, err := e.prepare(handles, binding)
	if err != nil {
		return fail(err)
	}

	r.keys = p.keys
	r.order = p.order

	logger.InfoContext(ctx, "Starting evaluation", "targets", strings.Join(targets, ","), "nodes", len(p.order))
	r.publish(ctx, events.EvaluationStarted{
		BaseEvent: events.NewBaseEvent(events.EvaluationStartedEvent, id),
		Targets:   targets,
		Nodes:     len(p.order),
		Params:    binding.Names(),
	})

	err = r.materialize(ctx, p.targets)
	if err != nil {
		return fail(err)
	}

	values := make([]any, len(handles))

	for i, h := range handles {
		c, _ := r.memo.lookup(p.keys[h.Node()])
		values[i] = c.values[h.Index()]
	}

	report := r.collector.report(id, time.Since(start))

	logger.InfoContext(ctx, "Evaluation finished",
		"executed", report.Executed,
		"cache_hits", report.CacheHits,
		"memo_hits", report.MemoHits,
		"duration", report.Duration)
	r.publish(ctx, events.EvaluationFinished{
		BaseEvent: events.NewBaseEvent(events.EvaluationFinishedEvent, id),
		Executed:  report.Executed,
		CacheHits: report.CacheHits,
		MemoHits:  report.MemoHits,
		Duration:  report.Duration,
	})

	return values, report, nil
}

type plan struct {
	targets []*graph.Node
	order   []*graph.Node
	keys    map[*graph.Node]cache.Key
}

// prepare validates the request and derives every reachable key.
func (e *Evaluator) prepare(handles []graph.Handle, binding params.Binding) (*plan, error) {
	p := &plan{keys: make(map[*graph.Node]cache.Key)}
	seen := make(map[*graph.Node]struct{}, len(handles))

	for i, h := range handles {
		if !h.Valid() {
			return nil, newError(StageConstruction, "", "", fmt.Errorf("%w: request %d", graph.ErrInvalidHandle, i))
		}

		if !e.graph.Owns(h) {
			return nil, newError(StageConstruction, h.String(), "", graph.ErrForeignHandle)
		}

		if _, ok := seen[h.Node()]; ok {
			continue
		}

		seen[h.Node()] = struct{}{}
		p.targets = append(p.targets, h.Node())
	}

	err := graph.DetectCycles(p.targets)
	if err != nil {
		return nil, newError(StageConstruction, "", "", err)
	}

	reachable := collect(p.targets)

	err = checkParams(reachable, binding)
	if err != nil {
		return nil, err
	}

	p.order, err = topoOrder(reachable)
	if err != nil {
		return nil, err
	}

	for _, n := range p.order {
		key, err := nodeKey(n, p.keys, binding)
		if err != nil {
			return nil, err
		}

		p.keys[n] = key
	}

	return p, nil
}

// collect returns the targets and their transitive dependencies, sorted by
// construction order.
func collect(targets []*graph.Node) []*graph.Node {
	seen := make(map[*graph.Node]struct{})
	out := make([]*graph.Node, 0)

	var visit func(n *graph.Node)
	visit = func(n *graph.Node) {
		if _, ok := seen[n]; ok {
			return
		}

		seen[n] = struct{}{}
		out = append(out, n)

		for _, d := range n.Deps() {
			visit(d)
		}
	}

	for _, t := range targets {
		visit(t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq() < out[j].Seq() })

	return out
}

// checkParams fails on the alphabetically first unbound slot, naming the
// earliest node that consumes it.
func checkParams(nodes []*graph.Node, binding params.Binding) error {
	type missing struct {
		slot string
		node *graph.Node
	}

	var unbound []missing

	seen := make(map[string]struct{})

	for _, n := range nodes {
		for _, arg := range n.Args() {
			if arg.Kind() != graph.SourceParam {
				continue
			}

			name := arg.Slot().Name()
			if _, ok := binding.Lookup(name); ok {
				continue
			}

			if _, ok := seen[name]; ok {
				continue
			}

			seen[name] = struct{}{}
			unbound = append(unbound, missing{slot: name, node: n})
		}
	}

	if len(unbound) == 0 {
		return nil
	}

	sort.Slice(unbound, func(i, j int) bool { return unbound[i].slot < unbound[j].slot })

	names := make([]string, len(unbound))
	for i, m := range unbound {
		names[i] = m.slot
	}

	first := unbound[0]

	return newError(StageBinding, first.node.String(), first.slot,
		fmt.Errorf("%w: %s", ErrUnresolvedParameter, strings.Join(names, ", ")))
}

// topoOrder runs Kahn's algorithm; among ready nodes the earliest constructed
// goes first, so the order is deterministic.
func topoOrder(nodes []*graph.Node) ([]*graph.Node, error) {
	indegree := make(map[*graph.Node]int, len(nodes))
	dependents := make(map[*graph.Node][]*graph.Node, len(nodes))

	for _, n := range nodes {
		deps := n.Deps()
		indegree[n] = len(deps)

		for _, d := range deps {
			dependents[d] = append(dependents[d], n)
		}
	}

	ready := make([]*graph.Node, 0)

	for _, n := range nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]*graph.Node, 0, len(nodes))

	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Seq() < ready[j].Seq() })

		n := ready[0]
		ready = ready[1:]
		order = append(order, n)

		for _, d := range dependents[n] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, newError(StageConstruction, "", "", graph.ErrCycle)
	}

	return order, nil
}
