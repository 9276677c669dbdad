package eval_test

import (
	"context"
	"math"
	"reflect"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/dukex/lazypipe/pkg/cache/memory"
	"github.com/dukex/lazypipe/pkg/codec"
	"github.com/dukex/lazypipe/pkg/eval"
	"github.com/dukex/lazypipe/pkg/graph"
	"github.com/dukex/lazypipe/pkg/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opaque struct{ n int }

type point struct {
	X, Y int
}

type partial struct {
	Name  string
	Cache string `json:"-"`
}

// keyedOpaque hides its state from JSON but names it in CacheKey.
type keyedOpaque struct{ n int }

func (k keyedOpaque) CacheKey() string { return strconv.Itoa(k.n) }

func TestKeys_DistinctLiteralsKeyApart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b any
	}{
		{name: "ints", a: 1, b: 2},
		{name: "strings", a: "a", b: "b"},
		{name: "slices", a: []int{1, 2}, b: []int{2, 1}},
		{name: "maps", a: map[string]int{"a": 1}, b: map[string]int{"a": 2}},
		{name: "structs", a: point{X: 1, Y: 2}, b: point{X: 2, Y: 1}},
		{name: "pointers", a: &point{X: 1}, b: &point{X: 2}},
		{name: "keyers", a: keyedOpaque{n: 1}, b: keyedOpaque{n: 2}},
		{name: "int and float", a: 1, b: 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := graph.New()
			fn := g.MustFunc(func(v any) int { return 0 }, graph.WithName("f"))
			a := graph.Must(fn.Call(tt.a))[0]
			b := graph.Must(fn.Call(tt.b))[0]

			keys, err := newEvaluator(t, g).Keys([]graph.Handle{a, b}, params.NewBinding(nil))
			require.NoError(t, err)
			assert.NotEqual(t, keys[0], keys[1])
		})
	}
}

func TestKeys_LossyValuesAreUnkeyable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		value any
	}{
		{name: "unexported field", value: opaque{n: 1}},
		{name: "pointer to unexported field", value: &opaque{n: 1}},
		{name: "nested in a slice", value: []any{1, opaque{n: 1}}},
		{name: "nested in a map", value: map[string]opaque{"a": {n: 1}}},
		{name: "field skipped by json", value: partial{Name: "a", Cache: "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/literal", func(t *testing.T) {
			t.Parallel()

			g := graph.New()
			h := graph.Must(g.MustFunc(func(v any) int { return 0 }).Call(tt.value))[0]

			_, err := newEvaluator(t, g).Keys([]graph.Handle{h}, params.NewBinding(nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, eval.ErrUnkeyable)
			assert.Equal(t, eval.StageConstruction, eval.StageOf(err))
		})

		t.Run(tt.name+"/bound", func(t *testing.T) {
			t.Parallel()

			g := graph.New()
			reg := params.NewRegistry()
			_, err := reg.Declare("v", nil)
			require.NoError(t, err)

			h := graph.Must(g.MustFunc(func(v any) int { return 0 }).Call(reg.MustSlot("v")))[0]

			b, err := reg.Bind(map[string]any{"v": tt.value})
			require.NoError(t, err)

			_, err = newEvaluator(t, g).Keys([]graph.Handle{h}, b)
			require.Error(t, err)
			assert.ErrorIs(t, err, eval.ErrUnkeyable)
			assert.Equal(t, eval.StageBinding, eval.StageOf(err))
		})
	}
}

func TestEvaluate_OpaqueLiteralsNeverShareResults(t *testing.T) {
	t.Parallel()

	g := graph.New()

	unkeyed := g.MustFunc(func(o opaque) int { return o.n }, graph.WithName("unkeyed"))
	a := graph.Must(unkeyed.Call(opaque{n: 1}))[0]
	b := graph.Must(unkeyed.Call(opaque{n: 2}))[0]

	ev := newEvaluator(t, g)

	_, err := ev.Evaluate(t.Context(), []graph.Handle{a, b}, params.NewBinding(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, eval.ErrUnkeyable)

	keyed := g.MustFunc(func(k keyedOpaque) int { return k.n }, graph.WithName("keyed"))
	c := graph.Must(keyed.Call(keyedOpaque{n: 1}))[0]
	d := graph.Must(keyed.Call(keyedOpaque{n: 2}))[0]

	values, err := ev.Evaluate(t.Context(), []graph.Handle{c, d}, params.NewBinding(nil))
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, values)
}

func TestEvaluate_InexactOutputsAreNotStored(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		def  func(g *graph.Graph, calls *atomic.Int32) graph.Handle
	}{
		{
			name: "unexported fields",
			def: func(g *graph.Graph, calls *atomic.Int32) graph.Handle {
				return graph.Must(g.MustFunc(func() opaque {
					calls.Add(1)

					return opaque{n: 42}
				}).Call())[0]
			},
		},
		{
			name: "untyped dynamic output",
			def: func(g *graph.Graph, calls *atomic.Int32) graph.Handle {
				f, err := g.Dynamic("three", 1, func(context.Context, []any) ([]any, error) {
					calls.Add(1)

					return []any{3}, nil
				})
				if err != nil {
					panic(err)
				}

				return graph.Must(f.Call())[0]
			},
		},
		{
			name: "any-typed output",
			def: func(g *graph.Graph, calls *atomic.Int32) graph.Handle {
				return graph.Must(g.MustFunc(func() any {
					calls.Add(1)

					return point{X: 1, Y: 2}
				}).Call())[0]
			},
		},
	}

	for _, name := range codec.Names() {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				t.Parallel()

				c, err := codec.ByName(name)
				require.NoError(t, err)

				var calls atomic.Int32

				g := graph.New()
				h := tt.def(g, &calls)
				store := memory.NewStore()

				first, report, err := newEvaluator(t, g, eval.WithCodec(c), eval.WithStore(store)).
					EvaluateWithReport(t.Context(), []graph.Handle{h}, params.NewBinding(nil))
				require.NoError(t, err)

				node, ok := report.Node(h.Node().ID())
				require.True(t, ok)
				assert.False(t, node.Stored)
				assert.Zero(t, store.Len())

				second, err := newEvaluator(t, g, eval.WithCodec(c), eval.WithStore(store)).
					Evaluate(t.Context(), []graph.Handle{h}, params.NewBinding(nil))
				require.NoError(t, err)

				assert.Equal(t, first, second)
				assert.Equal(t, reflect.TypeOf(first[0]), reflect.TypeOf(second[0]))
				assert.Equal(t, int32(2), calls.Load(), "recomputed instead of read back")
			})
		}
	}
}

func TestEvaluate_ExactOutputsAreStored(t *testing.T) {
	t.Parallel()

	for _, name := range codec.Names() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c, err := codec.ByName(name)
			require.NoError(t, err)

			var calls atomic.Int32

			g := graph.New()

			typed, err := g.Dynamic("typed", 1, func(context.Context, []any) ([]any, error) {
				calls.Add(1)

				return []any{3}, nil
			}, graph.WithOutputTypes(reflect.TypeOf(0)))
			require.NoError(t, err)

			nums := g.MustFunc(func() point {
				calls.Add(1)

				return point{X: 1, Y: 2}
			})

			handles := []graph.Handle{graph.Must(typed.Call())[0], graph.Must(nums.Call())[0]}
			store := memory.NewStore()

			_, err = newEvaluator(t, g, eval.WithCodec(c), eval.WithStore(store)).
				Evaluate(t.Context(), handles, params.NewBinding(nil))
			require.NoError(t, err)
			assert.Equal(t, 2, store.Len())

			values, report, err := newEvaluator(t, g, eval.WithCodec(c), eval.WithStore(store)).
				EvaluateWithReport(t.Context(), handles, params.NewBinding(nil))
			require.NoError(t, err)

			assert.Equal(t, []any{3, point{X: 1, Y: 2}}, values)
			assert.Equal(t, 2, report.CacheHits)
			assert.Equal(t, int32(2), calls.Load())
		})
	}
}

func TestEvaluate_NaNOutputs(t *testing.T) {
	t.Parallel()

	for _, name := range codec.Names() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c, err := codec.ByName(name)
			require.NoError(t, err)

			var calls atomic.Int32

			g := graph.New()
			h := graph.Must(g.MustFunc(func() []float64 {
				calls.Add(1)

				return []float64{1, math.NaN()}
			}).Call())[0]

			store := memory.NewStore()

			_, err = newEvaluator(t, g, eval.WithCodec(c), eval.WithStore(store)).
				Evaluate(t.Context(), []graph.Handle{h}, params.NewBinding(nil))
			require.NoError(t, err)

			values, err := newEvaluator(t, g, eval.WithCodec(c), eval.WithStore(store)).
				Evaluate(t.Context(), []graph.Handle{h}, params.NewBinding(nil))
			require.NoError(t, err)

			got, ok := values[0].([]float64)
			require.True(t, ok)
			require.Len(t, got, 2)
			assert.InDelta(t, 1.0, got[0], 0)
			assert.True(t, math.IsNaN(got[1]))

			// JSON has no NaN, so it recomputes; binary codecs read back.
			if name == "json" {
				assert.Zero(t, store.Len())
				assert.Equal(t, int32(2), calls.Load())
			} else {
				assert.Equal(t, 1, store.Len())
				assert.Equal(t, int32(1), calls.Load())
			}
		})
	}
}
