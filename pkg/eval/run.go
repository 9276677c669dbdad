package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/dukex/lazypipe/pkg/codec"
	"github.com/dukex/lazypipe/pkg/eventbus"
	"github.com/dukex/lazypipe/pkg/events"
	"github.com/dukex/lazypipe/pkg/graph"
	"github.com/dukex/lazypipe/pkg/otelhelper"
	"github.com/dukex/lazypipe/pkg/params"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// run is the state of one evaluation.
type run struct {
	ev        *Evaluator
	id        string
	binding   params.Binding
	keys      map[*graph.Node]cache.Key
	order     []*graph.Node
	memo      *memo
	collector *collector
	logger    *slog.Logger
}

// step is one node scheduled for resolution. A cached step does not wait for
// its upstream nodes.
type step struct {
	node    *graph.Node
	cached  bool
	waitFor []*graph.Node
}

// materialize makes the outputs of targets available in the memo.
func (r *run) materialize(ctx context.Context, targets []*graph.Node) error {
	steps, err := r.schedule(ctx, targets)
	if err != nil {
		return err
	}

	err = r.execute(ctx, steps)
	if err != nil {
		var evalErr *Error
		if !errors.As(err, &evalErr) {
			err = newError(StageExecution, "", "", err)
		}

		return err
	}

	return nil
}

// schedule walks the reachable nodes from the targets down. A node whose key
// is already known (memo or store) needs none of its upstream values.
func (r *run) schedule(ctx context.Context, targets []*graph.Node) ([]*step, error) {
	needed := make(map[*graph.Node]bool, len(r.order))
	for _, t := range targets {
		needed[t] = true
	}

	byNode := make(map[*graph.Node]*step)

	for i := len(r.order) - 1; i >= 0; i-- {
		n := r.order[i]
		if !needed[n] {
			continue
		}

		cached, err := r.probe(ctx, n)
		if err != nil {
			return nil, err
		}

		s := &step{node: n, cached: cached}
		byNode[n] = s

		if !cached {
			s.waitFor = n.Deps()
			for _, d := range s.waitFor {
				needed[d] = true
			}
		}
	}

	steps := make([]*step, 0, len(byNode))

	for _, n := range r.order {
		if s, ok := byNode[n]; ok {
			steps = append(steps, s)
		}
	}

	return steps, nil
}

func (r *run) probe(ctx context.Context, n *graph.Node) (bool, error) {
	key := r.keys[n]

	if _, ok := r.memo.lookup(key); ok {
		return true, nil
	}

	exists, err := r.ev.opts.Store.Exists(ctx, key)
	if err != nil {
		if r.ev.opts.FailOnCacheError {
			return false, newError(StageCaching, n.String(), "", fmt.Errorf("%w: %w", ErrCacheUnavailable, err))
		}

		r.logger.WarnContext(ctx, "Cache lookup failed, recomputing", "node", n.String(), "key", key.Short(), "error", err)

		return false, nil
	}

	return exists, nil
}

// execute runs steps on a pool of workers. A step becomes ready once every
// node it waits for has resolved; the channel hand-off orders the writes of
// an upstream worker before the reads of its dependents.
func (r *run) execute(ctx context.Context, steps []*step) error {
	if len(steps) == 0 {
		return nil
	}

	pending := make(map[*graph.Node]*atomic.Int32, len(steps))
	dependents := make(map[*graph.Node][]*step, len(steps))

	for _, s := range steps {
		counter := &atomic.Int32{}
		counter.Store(int32(len(s.waitFor)))
		pending[s.node] = counter

		for _, d := range s.waitFor {
			dependents[d] = append(dependents[d], s)
		}
	}

	ready := make(chan *step, len(steps))

	for _, s := range steps {
		if len(s.waitFor) == 0 {
			ready <- s
		}
	}

	var remaining atomic.Int64
	remaining.Store(int64(len(steps)))

	group, groupCtx := errgroup.WithContext(ctx)

	workers := min(r.ev.opts.Workers, len(steps))
	for range workers {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return groupCtx.Err()
				case s, ok := <-ready:
					if !ok {
						return nil
					}

					err := r.resolve(groupCtx, s)
					if err != nil {
						return err
					}

					for _, d := range dependents[s.node] {
						if pending[d.node].Add(-1) == 0 {
							ready <- d
						}
					}

					if remaining.Add(-1) == 0 {
						close(ready)
					}
				}
			}
		})
	}

	return group.Wait()
}

// resolve obtains the outputs of one node, recording how.
func (r *run) resolve(ctx context.Context, s *step) error {
	n := s.node
	key := r.keys[n]
	start := time.Now()

	ctx, span := otelhelper.StartSpan(ctx, r.ev.opts.Tracer, "node "+n.Name(),
		attribute.String(otelhelper.NodeIDKey, n.ID()),
		attribute.String(otelhelper.NodeNameKey, n.Func().Identity()),
		attribute.String(otelhelper.NodeVersionKey, n.Func().Version()),
		attribute.String(otelhelper.NodeKeyKey, string(key)),
	)
	defer span.End()

	c, owner := r.memo.claim(key)
	if !owner {
		_, err := c.wait(ctx)
		if err != nil {
			return err
		}

		span.SetAttributes(attribute.Bool(otelhelper.MemoHitKey, true))
		r.record(n, key, OutcomeMemoHit, time.Since(start), false)
		r.logger.DebugContext(ctx, "Reused output within evaluation", "node", n.String(), "key", key.Short())

		return nil
	}

	values, outcome, stored, err := r.produce(ctx, s)
	c.finish(values, err)

	if err != nil {
		otelhelper.SetError(span, err, attribute.String(otelhelper.StageKey, string(StageOf(err))))
		r.record(n, key, OutcomeFailed, time.Since(start), false)
		r.publish(ctx, events.NodeFailed{
			BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, r.id),
			NodeEvent: nodeEvent(n, key),
			Error:     err.Error(),
		})

		return err
	}

	duration := time.Since(start)
	span.SetAttributes(attribute.Bool(otelhelper.CacheHitKey, outcome == OutcomeCacheHit))
	r.record(n, key, outcome, duration, stored)

	if outcome == OutcomeCacheHit {
		r.logger.DebugContext(ctx, "Cache hit", "node", n.String(), "key", key.Short())
		r.publish(ctx, events.NodeCacheHit{
			BaseEvent: events.NewBaseEvent(events.NodeCacheHitEvent, r.id),
			NodeEvent: nodeEvent(n, key),
		})

		return nil
	}

	r.logger.InfoContext(ctx, "Executed node", "node", n.String(), "key", key.Short(), "duration", duration, "stored", stored)
	r.publish(ctx, events.NodeExecuted{
		BaseEvent: events.NewBaseEvent(events.NodeExecutedEvent, r.id),
		NodeEvent: nodeEvent(n, key),
		Duration:  duration,
		Stored:    stored,
	})

	return nil
}

func (r *run) produce(ctx context.Context, s *step) ([]any, Outcome, bool, error) {
	n := s.node
	key := r.keys[n]

	if s.cached {
		values, hit, err := r.load(ctx, n, key)
		if err != nil {
			return nil, "", false, err
		}

		if hit {
			return values, OutcomeCacheHit, false, nil
		}

		// The entry vanished or could not be read after scheduling; its inputs
		// were never materialized, so fetch them now.
		err = r.materialize(ctx, n.Deps())
		if err != nil {
			return nil, "", false, err
		}
	}

	values, err := r.compute(ctx, n)
	if err != nil {
		return nil, "", false, err
	}

	return values, OutcomeExecuted, r.store(ctx, n, key, values), nil
}

// load reads and decodes a cached entry. A miss or an unreadable entry is not
// an error unless FailOnCacheError is set.
func (r *run) load(ctx context.Context, n *graph.Node, key cache.Key) ([]any, bool, error) {
	entry, err := r.ev.opts.Store.Get(ctx, key)
	if err == nil {
		var values []any

		values, err = r.decode(n, entry)
		if err == nil {
			return values, true, nil
		}
	}

	if cache.IsNotFound(err) {
		return nil, false, nil
	}

	if r.ev.opts.FailOnCacheError {
		return nil, false, newError(StageCaching, n.String(), "", fmt.Errorf("%w: %w", ErrCacheUnavailable, err))
	}

	r.logger.WarnContext(ctx, "Cache read failed, recomputing", "node", n.String(), "key", key.Short(), "error", err)

	return nil, false, nil
}

func (r *run) decode(n *graph.Node, entry *cache.Entry) ([]any, error) {
	fn := n.Func()

	if len(entry.Outputs) != fn.Outputs() {
		return nil, fmt.Errorf("%w: %d outputs stored, node declares %d", cache.ErrCorruptEntry, len(entry.Outputs), fn.Outputs())
	}

	c := r.ev.opts.Codec
	if entry.Codec != "" && entry.Codec != c.Name() {
		var err error

		c, err = codec.ByName(entry.Codec)
		if err != nil {
			return nil, err
		}
	}

	values := make([]any, len(entry.Outputs))

	for i, data := range entry.Outputs {
		v, err := c.Unmarshal(data, fn.OutputType(i))
		if err != nil {
			return nil, fmt.Errorf("%w: output %d: %w", cache.ErrCorruptEntry, i, err)
		}

		values[i] = v
	}

	return values, nil
}

// compute substitutes every argument source and runs the body.
func (r *run) compute(ctx context.Context, n *graph.Node) ([]any, error) {
	args := n.Args()
	values := make([]any, len(args))

	for i, src := range args {
		switch src.Kind() {
		case graph.SourceLiteral:
			values[i] = src.Value()

		case graph.SourceOutput:
			up := src.Handle()

			c, ok := r.memo.lookup(r.keys[up.Node()])
			if !ok {
				return nil, newError(StageExecution, n.String(), "", fmt.Errorf("upstream %s was not materialized", up))
			}

			values[i] = c.values[up.Index()]

		case graph.SourceParam:
			values[i], _ = r.binding.Lookup(src.Slot().Name())
		}
	}

	out, err := invoke(ctx, n.Func(), values)
	if err != nil {
		stage := StageExecution
		if graph.IsArityMismatch(err) || errors.Is(err, graph.ErrArgType) {
			stage = StageConstruction
		}

		return nil, newError(stage, n.String(), "", err)
	}

	return out, nil
}

func invoke(ctx context.Context, fn *graph.Func, args []any) (out []any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, p, debug.Stack())
		}
	}()

	return fn.Invoke(ctx, args)
}

// store encodes and persists outputs. An output that would not decode back
// to an equal value is never stored. Failures are logged; the computed
// values are still used.
func (r *run) store(ctx context.Context, n *graph.Node, key cache.Key, values []any) bool {
	c := r.ev.opts.Codec
	fn := n.Func()
	outputs := make([][]byte, len(values))

	for i, v := range values {
		data, err := codec.MarshalExact(c, v, fn.OutputType(i))
		if err != nil {
			r.logger.WarnContext(ctx, "Output not cacheable", "node", n.String(), "output", i, "codec", c.Name(), "error", err)

			return false
		}

		outputs[i] = data
	}

	err := r.ev.opts.Store.Put(ctx, &cache.Entry{
		Key:       key,
		Node:      n.Func().Identity(),
		Codec:     c.Name(),
		Outputs:   outputs,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to store cache entry", "node", n.String(), "key", key.Short(), "error", err)

		return false
	}

	return true
}

func (r *run) record(n *graph.Node, key cache.Key, outcome Outcome, duration time.Duration, stored bool) {
	r.collector.add(NodeReport{
		ID:       n.ID(),
		Name:     n.Name(),
		Key:      key,
		Outcome:  outcome,
		Duration: duration,
		Stored:   stored,
		seq:      n.Seq(),
	})
}

func (r *run) publish(ctx context.Context, event eventbus.Event) {
	if r.ev.opts.Publisher == nil {
		return
	}

	err := r.ev.opts.Publisher.Publish(ctx, r.id, event)
	if err != nil {
		r.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func nodeEvent(n *graph.Node, key cache.Key) events.NodeEvent {
	return events.NodeEvent{NodeID: n.ID(), Name: n.Name(), Key: string(key)}
}
