package eval_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/lazypipe/pkg/cache/memory"
	"github.com/dukex/lazypipe/pkg/codec"
	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/graph"
	"github.com/dukex/lazypipe/pkg/log"
	"github.com/dukex/lazypipe/pkg/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenario is load -> transform(factor) -> aggregate with body counters.
type scenario struct {
	graph    *graph.Graph
	registry *params.Registry

	load      graph.Handle
	transform graph.Handle
	aggregate graph.Handle

	loads      atomic.Int32
	transforms atomic.Int32
	aggregates atomic.Int32
}

func newScenario(t *testing.T) *scenario {
	t.Helper()

	s := &scenario{graph: graph.New(), registry: params.NewRegistry()}

	require.NoError(t, s.registry.DeclareMany(map[string]any{
		"factor": 2,
		"other":  "unrelated",
	}))

	load := s.graph.MustFunc(func() []int {
		s.loads.Add(1)

		return []int{1, 2, 3}
	}, graph.WithName("load"))

	transform := s.graph.MustFunc(func(xs []int, factor int) []int {
		s.transforms.Add(1)

		out := make([]int, len(xs))
		for i, x := range xs {
			out[i] = x * factor
		}

		return out
	}, graph.WithName("transform"))

	aggregate := s.graph.MustFunc(func(xs []int) int {
		s.aggregates.Add(1)

		total := 0
		for _, x := range xs {
			total += x
		}

		return total
	}, graph.WithName("aggregate"))

	s.load = graph.Must(load.Call())[0]
	s.transform = graph.Must(transform.Call(s.load, s.registry.MustSlot("factor")))[0]
	s.aggregate = graph.Must(aggregate.Call(s.transform))[0]

	require.NoError(t, s.graph.Export("total", s.aggregate))

	return s
}

func (s *scenario) bind(t *testing.T, values map[string]any) params.Binding {
	t.Helper()

	b, err := s.registry.Bind(values)
	require.NoError(t, err)

	return b
}

func (s *scenario) counts() [3]int32 {
	return [3]int32{s.loads.Load(), s.transforms.Load(), s.aggregates.Load()}
}

func newEvaluator(t *testing.T, g *graph.Graph, opts ...eval.Option) *eval.Evaluator {
	t.Helper()

	opts = append([]eval.Option{eval.WithLogger(log.Discard())}, opts...)

	ev, err := eval.New(g, opts...)
	require.NoError(t, err)

	return ev
}

func TestNew_Options(t *testing.T) {
	t.Parallel()

	g := graph.New()

	tests := []struct {
		name    string
		opts    []eval.Option
		wantErr bool
	}{
		{name: "defaults", opts: nil},
		{name: "explicit", opts: []eval.Option{eval.WithWorkers(4), eval.WithCodec(codec.MsgPack{}), eval.WithStore(memory.NewStore())}},
		{name: "zero workers", opts: []eval.Option{eval.WithWorkers(0)}, wantErr: true},
		{name: "too many workers", opts: []eval.Option{eval.WithWorkers(5000)}, wantErr: true},
		{name: "nil store", opts: []eval.Option{eval.WithStore(nil)}, wantErr: true},
		{name: "nil codec", opts: []eval.Option{eval.WithCodec(nil)}, wantErr: true},
		{name: "nil logger", opts: []eval.Option{eval.WithLogger(nil)}, wantErr: true},
		{name: "nil tracer", opts: []eval.Option{eval.WithTracer(nil)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := eval.New(g, tt.opts...)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			assert.NoError(t, err)
		})
	}

	_, err := eval.New(nil)
	assert.Error(t, err)
}

func TestEvaluate_Scenario(t *testing.T) {
	t.Parallel()

	s := newScenario(t)
	ev := newEvaluator(t, s.graph, eval.WithStore(memory.NewStore()))
	ctx := t.Context()

	values, report, err := ev.EvaluateWithReport(ctx, []graph.Handle{s.aggregate}, s.bind(t, map[string]any{"factor": 2}))
	require.NoError(t, err)
	assert.Equal(t, []any{12}, values)
	assert.Equal(t, [3]int32{1, 1, 1}, s.counts())
	assert.Equal(t, 3, report.Executed)
	assert.Equal(t, []string{"load", "transform", "aggregate"}, report.ExecutedNames())

	values, report, err = ev.EvaluateWithReport(ctx, []graph.Handle{s.aggregate}, s.bind(t, map[string]any{"factor": 2}))
	require.NoError(t, err)
	assert.Equal(t, []any{12}, values)
	assert.Equal(t, [3]int32{1, 1, 1}, s.counts(), "a cached target must not run any body")
	assert.Equal(t, 0, report.Executed)
	assert.Equal(t, 1, report.CacheHits)

	values, report, err = ev.EvaluateWithReport(ctx, []graph.Handle{s.aggregate}, s.bind(t, map[string]any{"factor": 3}))
	require.NoError(t, err)
	assert.Equal(t, []any{18}, values)
	assert.Equal(t, [3]int32{1, 2, 2}, s.counts())
	assert.Equal(t, []string{"transform", "aggregate"}, report.ExecutedNames())
	assert.Equal(t, 1, report.CacheHits)

	loadReport, ok := report.Node(s.load.Node().ID())
	require.True(t, ok)
	assert.Equal(t, eval.OutcomeCacheHit, loadReport.Outcome)
}

func TestEvaluate_CacheHitIsIdentical(t *testing.T) {
	t.Parallel()

	for _, name := range codec.Names() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c, err := codec.ByName(name)
			require.NoError(t, err)

			s := newScenario(t)
			ev := newEvaluator(t, s.graph, eval.WithCodec(c), eval.WithStore(memory.NewStore()))
			binding := s.bind(t, nil)

			first, err := ev.Evaluate(t.Context(), []graph.Handle{s.transform, s.aggregate}, binding)
			require.NoError(t, err)

			fresh := newEvaluator(t, s.graph, eval.WithCodec(c), eval.WithStore(ev.Store()))

			second, err := fresh.Evaluate(t.Context(), []graph.Handle{s.transform, s.aggregate}, binding)
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.IsType(t, []int{}, second[0])
			assert.Equal(t, [3]int32{1, 1, 1}, s.counts())
		})
	}
}

func TestEvaluate_ReadsEntriesOfAnotherCodec(t *testing.T) {
	t.Parallel()

	s := newScenario(t)
	store := memory.NewStore()
	binding := s.bind(t, nil)

	writer := newEvaluator(t, s.graph, eval.WithCodec(codec.NewCBOR()), eval.WithStore(store))
	_, err := writer.Evaluate(t.Context(), []graph.Handle{s.aggregate}, binding)
	require.NoError(t, err)

	reader := newEvaluator(t, s.graph, eval.WithCodec(codec.JSON{}), eval.WithStore(store))
	values, report, err := reader.EvaluateWithReport(t.Context(), []graph.Handle{s.aggregate}, binding)
	require.NoError(t, err)
	assert.Equal(t, []any{12}, values)
	assert.Equal(t, 1, report.CacheHits)
	assert.Equal(t, 0, report.Executed)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	s := newScenario(t)
	ev := newEvaluator(t, s.graph)
	handles := []graph.Handle{s.load, s.transform, s.aggregate}

	base, err := ev.Keys(handles, s.bind(t, nil))
	require.NoError(t, err)

	for _, k := range base {
		assert.True(t, k.Valid(), k)
	}

	again, err := ev.Keys(handles, s.bind(t, nil))
	require.NoError(t, err)
	assert.Equal(t, base, again, "keys must be deterministic")

	changed, err := ev.Keys(handles, s.bind(t, map[string]any{"factor": 5}))
	require.NoError(t, err)
	assert.Equal(t, base[0], changed[0], "load does not depend on factor")
	assert.NotEqual(t, base[1], changed[1])
	assert.NotEqual(t, base[2], changed[2], "the change propagates downstream")

	unrelated, err := ev.Keys(handles, s.bind(t, map[string]any{"other": "changed"}))
	require.NoError(t, err)
	assert.Equal(t, base, unrelated)
}

type tag string

func (t tag) CacheKey() string { return "tag" }

func TestKeys_ArgumentContributions(t *testing.T) {
	t.Parallel()

	g := graph.New()
	reg := params.NewRegistry()
	require.NoError(t, reg.DeclareMany(map[string]any{"n": 1, "_jobs": 1}))

	fn := g.MustFunc(func(a any, n int, jobs int) int { return n }, graph.WithName("f"))

	keyOf := func(t *testing.T, lit any, values map[string]any) string {
		t.Helper()

		h := graph.Must(fn.Call(lit, reg.MustSlot("n"), reg.MustSlot("_jobs")))[0]
		ev := newEvaluator(t, g)

		b, err := reg.Bind(values)
		require.NoError(t, err)

		keys, err := ev.Keys([]graph.Handle{h}, b)
		require.NoError(t, err)

		return string(keys[0])
	}

	base := keyOf(t, 1, nil)

	assert.Equal(t, base, keyOf(t, 1, map[string]any{"_jobs": 8}), "underscore slots are unkeyed")
	assert.NotEqual(t, base, keyOf(t, 1, map[string]any{"n": 2}))
	assert.NotEqual(t, base, keyOf(t, 1.0, nil), "the Go type is part of a literal's key")
	assert.NotEqual(t, base, keyOf(t, "1", nil))
	assert.Equal(t, keyOf(t, map[string]int{"a": 1, "b": 2}, nil), keyOf(t, map[string]int{"b": 2, "a": 1}, nil))
	assert.Equal(t, keyOf(t, tag("x"), nil), keyOf(t, tag("y"), nil), "Keyer values choose their contribution")
	assert.Equal(t, keyOf(t, graph.Unkeyed(make(chan int)), nil), keyOf(t, graph.Unkeyed(func() {}), nil))
}

func TestKeys_VersionAndFingerprint(t *testing.T) {
	t.Parallel()

	g := graph.New()
	ev := newEvaluator(t, g)

	keyOf := func(fn any, opts ...graph.FuncOption) string {
		h := graph.Must(g.MustFunc(fn, opts...).Call())[0]

		keys, err := ev.Keys([]graph.Handle{h}, params.NewBinding(nil))
		require.NoError(t, err)

		return string(keys[0])
	}

	one := func() int { return 1 }
	two := func() int { return 2 }

	assert.Equal(t, keyOf(one, graph.WithName("f")), keyOf(one, graph.WithName("f")))
	assert.NotEqual(t, keyOf(one, graph.WithName("f")), keyOf(one, graph.WithName("f"), graph.WithVersion("2")))
	assert.NotEqual(t, keyOf(one, graph.WithName("f")), keyOf(two, graph.WithName("f")), "different bodies under one name")
	assert.Equal(t,
		keyOf(one, graph.WithName("f"), graph.WithFingerprint(graph.FingerprintNone)),
		keyOf(two, graph.WithName("f"), graph.WithFingerprint(graph.FingerprintNone)),
	)
}

func TestKeys_UnkeyableLiteral(t *testing.T) {
	t.Parallel()

	g := graph.New()
	h := graph.Must(g.MustFunc(func(c chan int) int { return 0 }).Call(make(chan int)))[0]

	_, err := newEvaluator(t, g).Keys([]graph.Handle{h}, params.NewBinding(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, eval.ErrUnkeyable)
	assert.Equal(t, eval.StageConstruction, eval.StageOf(err))
}

func TestEvaluate_MultiOutputOncePerKey(t *testing.T) {
	t.Parallel()

	g := graph.New()

	var calls atomic.Int32

	split := g.MustFunc(func(n int) (int, int) {
		calls.Add(1)

		return n / 2, n - n/2
	}, graph.WithName("split"))

	hs := graph.Must(split.Call(7))
	ev := newEvaluator(t, g, eval.WithStore(memory.NewStore()))

	first, err := ev.Evaluate(t.Context(), []graph.Handle{hs[0]}, params.NewBinding(nil))
	require.NoError(t, err)
	assert.Equal(t, []any{3}, first)

	second, err := ev.Evaluate(t.Context(), []graph.Handle{hs[1]}, params.NewBinding(nil))
	require.NoError(t, err)
	assert.Equal(t, []any{4}, second)

	both, err := ev.Evaluate(t.Context(), []graph.Handle{hs[1], hs[0], hs[1]}, params.NewBinding(nil))
	require.NoError(t, err)
	assert.Equal(t, []any{4, 3, 4}, both)

	assert.Equal(t, int32(1), calls.Load())
}

func TestEvaluate_Idempotent(t *testing.T) {
	t.Parallel()

	s := newScenario(t)
	ev := newEvaluator(t, s.graph)
	binding := s.bind(t, nil)

	var previous []any

	for range 5 {
		values, err := ev.EvaluateNamed(t.Context(), []string{"total"}, binding)
		require.NoError(t, err)

		if previous != nil {
			assert.Equal(t, previous, values)
		}

		previous = values
	}

	assert.Equal(t, [3]int32{1, 1, 1}, s.counts())
}

func TestEvaluate_MemoAcrossDistinctNodes(t *testing.T) {
	t.Parallel()

	g := graph.New()

	var calls atomic.Int32

	load := g.MustFunc(func() int {
		calls.Add(1)

		return 42
	}, graph.WithName("load"))

	a := graph.Must(load.Call())[0]
	b := graph.Must(load.Call())[0]
	require.NotEqual(t, a.Node().ID(), b.Node().ID())

	ev := newEvaluator(t, g, eval.WithWorkers(4))

	values, report, err := ev.EvaluateWithReport(t.Context(), []graph.Handle{a, b}, params.NewBinding(nil))
	require.NoError(t, err)
	assert.Equal(t, []any{42, 42}, values)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, report.Executed)
	assert.Equal(t, 1, report.MemoHits)
}

func TestEvaluate_OnlyRequestedSubgraph(t *testing.T) {
	t.Parallel()

	s := newScenario(t)

	unused := s.graph.MustFunc(func() int {
		t.Error("unrequested node executed")

		return 0
	}, graph.WithName("unused"))
	graph.Must(unused.Call())

	ev := newEvaluator(t, s.graph)

	values, err := ev.Evaluate(t.Context(), []graph.Handle{s.transform}, s.bind(t, nil))
	require.NoError(t, err)
	assert.Equal(t, []any{[]int{2, 4, 6}}, values)
	assert.Equal(t, [3]int32{1, 1, 0}, s.counts())
}

// TestEvaluate_TopologicalUnderConcurrency builds layers of nodes with random
// delays and checks every body starts after all of its inputs finished.
func TestEvaluate_TopologicalUnderConcurrency(t *testing.T) {
	t.Parallel()

	const (
		layers = 5
		width  = 6
	)

	g := graph.New()

	var (
		mu       sync.Mutex
		finished = make(map[int]bool)
	)

	body := func(ctx context.Context, args []any) ([]any, error) {
		id := args[0].(int)
		deps := args[1].([]int)

		mu.Lock()
		for _, d := range deps {
			if !finished[d] {
				mu.Unlock()

				return nil, errors.New("started before its inputs")
			}
		}
		mu.Unlock()

		time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)

		total := 1
		for _, v := range args[2:] {
			total += v.(int)
		}

		mu.Lock()
		finished[id] = true
		mu.Unlock()

		return []any{total}, nil
	}

	step, err := g.Dynamic("step", 1, body, graph.WithFingerprint(graph.FingerprintNone))
	require.NoError(t, err)

	var (
		previous []graph.Handle
		ids      []int
		expected = make(map[int]int)
		next     int
	)

	for layer := range layers {
		current := make([]graph.Handle, 0, width)
		currentIDs := make([]int, 0, width)

		for range width {
			id := next
			next++

			args := []any{id}
			deps := make([]int, 0)
			want := 1

			if layer > 0 {
				for _, j := range rand.Perm(width)[:2] {
					deps = append(deps, ids[j])
					want += expected[ids[j]]
				}
			}

			args = append(args, deps)
			for _, d := range deps {
				args = append(args, previous[indexOf(ids, d)])
			}

			h := graph.Must(step.Call(args...))[0]
			expected[id] = want

			current = append(current, h)
			currentIDs = append(currentIDs, id)
		}

		previous = current
		ids = currentIDs
	}

	ev := newEvaluator(t, g, eval.WithWorkers(8))

	values, err := ev.Evaluate(t.Context(), previous, params.NewBinding(nil))
	require.NoError(t, err)

	for i, id := range ids {
		assert.Equal(t, expected[id], values[i], "node %d", id)
	}
}

func indexOf(ids []int, id int) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}

	return -1
}
