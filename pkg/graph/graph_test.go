package graph_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/dukex/lazypipe/pkg/graph"
	"github.com/dukex/lazypipe/pkg/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func double(x int) int { return x * 2 }

func divmod(a, b int) (int, int, error) {
	if b == 0 {
		return 0, 0, errors.New("division by zero")
	}

	return a / b, a % b, nil
}

func TestFunc_Shapes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fn      any
		opts    []graph.FuncOption
		nin     int
		nout    int
		wantErr error
	}{
		{name: "single output", fn: double, nin: 1, nout: 1},
		{name: "multi output with error", fn: divmod, nin: 2, nout: 2},
		{name: "context first", fn: func(_ context.Context, s string) string { return s }, nin: 1, nout: 1},
		{name: "declared outputs match", fn: divmod, opts: []graph.FuncOption{graph.WithOutputs(2)}, nin: 2, nout: 2},
		{name: "declared outputs disagree", fn: divmod, opts: []graph.FuncOption{graph.WithOutputs(3)}, wantErr: graph.ErrArityMismatch},
		{name: "not a function", fn: 42, wantErr: graph.ErrInvalidFunc},
		{name: "variadic", fn: func(xs ...int) int { return len(xs) }, wantErr: graph.ErrInvalidFunc},
		{name: "no outputs", fn: func(int) {}, wantErr: graph.ErrInvalidFunc},
		{name: "only error", fn: func() error { return nil }, wantErr: graph.ErrInvalidFunc},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			g := graph.New()

			f, err := g.Func(tt.fn, tt.opts...)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.nin, f.Inputs())
			assert.Equal(t, tt.nout, f.Outputs())
		})
	}
}

func TestFunc_Identity(t *testing.T) {
	t.Parallel()

	g := graph.New()

	f := g.MustFunc(double)
	assert.Contains(t, f.Identity(), "double")
	assert.Equal(t, "graph_test.double", f.ShortName())

	named := g.MustFunc(double, graph.WithName("twice"), graph.WithNamePrefix("math."), graph.WithVersion("2"))
	assert.Equal(t, "math.twice", named.Identity())
	assert.Equal(t, "2", named.Version())
}

func TestCall_DoesNotExecute(t *testing.T) {
	t.Parallel()

	g := graph.New()
	calls := 0

	f := g.MustFunc(func(x int) int {
		calls++

		return x
	})

	handles, err := f.Call(1)
	require.NoError(t, err)
	require.Len(t, handles, 1)

	assert.Equal(t, 0, calls)
	assert.True(t, handles[0].Valid())
	assert.Equal(t, 1, g.Len())
}

func TestCall_ReturnsOneHandlePerOutput(t *testing.T) {
	t.Parallel()

	g := graph.New()
	f := g.MustFunc(divmod)

	handles := graph.Must(f.Call(7, 2))
	require.Len(t, handles, 2)

	assert.Same(t, handles[0].Node(), handles[1].Node())
	assert.Equal(t, 0, handles[0].Index())
	assert.Equal(t, 1, handles[1].Index())
	assert.Contains(t, handles[1].String(), "[1]")
}

func TestCall_TwiceCreatesDistinctNodes(t *testing.T) {
	t.Parallel()

	g := graph.New()
	f := g.MustFunc(double)

	a := graph.Must(f.Call(1))[0]
	b := graph.Must(f.Call(1))[0]

	assert.NotSame(t, a.Node(), b.Node())
	assert.Equal(t, "n0", a.Node().ID())
	assert.Equal(t, "n1", b.Node().ID())
}

func TestCall_Errors(t *testing.T) {
	t.Parallel()

	g := graph.New()
	other := graph.New()

	f := g.MustFunc(double)
	foreign := graph.Must(other.MustFunc(double).Call(1))[0]

	var nilSlot *params.Slot

	tests := []struct {
		name    string
		args    []any
		wantErr error
	}{
		{name: "too few", args: nil, wantErr: graph.ErrArgCount},
		{name: "too many", args: []any{1, 2}, wantErr: graph.ErrArgCount},
		{name: "zero handle", args: []any{graph.Handle{}}, wantErr: graph.ErrInvalidHandle},
		{name: "foreign handle", args: []any{foreign}, wantErr: graph.ErrForeignHandle},
		{name: "nil slot", args: []any{nilSlot}, wantErr: graph.ErrArgType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := f.Call(tt.args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var nodeErr *graph.NodeError
			require.ErrorAs(t, err, &nodeErr)
			assert.Equal(t, "Call", nodeErr.Op)
		})
	}
}

func TestSources(t *testing.T) {
	t.Parallel()

	g := graph.New()
	reg := params.NewRegistry()

	factor, err := reg.Declare("factor", 2)
	require.NoError(t, err)

	model, err := reg.Declare("_model", nil)
	require.NoError(t, err)

	up := graph.Must(g.MustFunc(double).Call(1))[0]

	f := g.MustFunc(func(a, b, c, d, e int) int { return a + b + c + d + e })
	h := graph.Must(f.Call(up, factor, model, 3, graph.Unkeyed(4)))[0]

	args := h.Node().Args()
	require.Len(t, args, 5)

	assert.Equal(t, graph.SourceOutput, args[0].Kind())
	assert.Equal(t, up, args[0].Handle())
	assert.True(t, args[0].Keyed())

	assert.Equal(t, graph.SourceParam, args[1].Kind())
	assert.Equal(t, "factor", args[1].Slot().Name())
	assert.True(t, args[1].Keyed())

	assert.Equal(t, graph.SourceParam, args[2].Kind())
	assert.False(t, args[2].Keyed())

	assert.Equal(t, graph.SourceLiteral, args[3].Kind())
	assert.Equal(t, 3, args[3].Value())

	assert.Equal(t, graph.SourceLiteral, args[4].Kind())
	assert.False(t, args[4].Keyed())

	deps := h.Node().Deps()
	require.Len(t, deps, 1)
	assert.Same(t, up.Node(), deps[0])
}

func TestDeps_Distinct(t *testing.T) {
	t.Parallel()

	g := graph.New()
	parts := graph.Must(g.MustFunc(divmod).Call(9, 4))

	sum := graph.Must(g.MustFunc(func(a, b int) int { return a + b }).Call(parts[0], parts[1]))[0]

	assert.Len(t, sum.Node().Deps(), 1)
}

func TestExport(t *testing.T) {
	t.Parallel()

	g := graph.New()
	h := graph.Must(g.MustFunc(double).Call(1))[0]

	require.NoError(t, g.Export("result", h))

	got, ok := g.Lookup("result")
	require.True(t, ok)
	assert.Equal(t, h, got)

	err := g.Export("result", h)
	assert.ErrorIs(t, err, graph.ErrDuplicateExport)

	err = g.Export("zero", graph.Handle{})
	assert.ErrorIs(t, err, graph.ErrInvalidHandle)

	foreign := graph.Must(graph.New().MustFunc(double).Call(1))[0]
	err = g.Export("foreign", foreign)
	assert.ErrorIs(t, err, graph.ErrForeignHandle)

	assert.Equal(t, []string{"result"}, g.ExportNames())
	assert.Len(t, g.Exports(), 1)
}

func TestValidate_AcyclicByConstruction(t *testing.T) {
	t.Parallel()

	g := graph.New()
	f := g.MustFunc(double)

	h := graph.Must(f.Call(1))[0]
	for range 10 {
		h = graph.Must(f.Call(h))[0]
	}

	require.NoError(t, g.Validate())
	assert.NoError(t, graph.DetectCycles([]*graph.Node{h.Node()}))
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	g := graph.New()
	reg := params.NewRegistry()
	factor := reg.MustSlot

	require.NoError(t, reg.DeclareMany(map[string]any{"factor": 2}))

	load := g.MustFunc(func() []int { return []int{1, 2, 3} }, graph.WithName("load"))
	scale := g.MustFunc(func(xs []int, k int) []int { return xs }, graph.WithName("scale"), graph.WithVersion("1"))

	data := graph.Must(load.Call())[0]
	graph.Must(scale.Call(data, factor("factor")))

	infos := g.Describe()
	require.Len(t, infos, 2)

	assert.Equal(t, "load", infos[0].Name)
	assert.Empty(t, infos[0].Deps)

	assert.Equal(t, "scale", infos[1].Name)
	assert.Equal(t, "1", infos[1].Version)
	assert.Equal(t, []string{"n0"}, infos[1].Deps)
	assert.Equal(t, []string{"factor"}, infos[1].Params)
}

func TestInvoke(t *testing.T) {
	t.Parallel()

	g := graph.New()
	ctx := context.Background()

	t.Run("converts numeric arguments", func(t *testing.T) {
		t.Parallel()

		f := g.MustFunc(func(x float64) float64 { return x / 2 })

		out, err := f.Invoke(ctx, []any{3})
		require.NoError(t, err)
		assert.InDelta(t, 1.5, out[0], 1e-9)
	})

	t.Run("returns body error", func(t *testing.T) {
		t.Parallel()

		f := g.MustFunc(divmod)

		_, err := f.Invoke(ctx, []any{1, 0})
		assert.EqualError(t, err, "division by zero")
	})

	t.Run("passes context", func(t *testing.T) {
		t.Parallel()

		type key struct{}

		f := g.MustFunc(func(ctx context.Context) string {
			v, _ := ctx.Value(key{}).(string)

			return v
		})

		out, err := f.Invoke(context.WithValue(ctx, key{}, "seen"), nil)
		require.NoError(t, err)
		assert.Equal(t, "seen", out[0])
	})

	t.Run("rejects wrong type", func(t *testing.T) {
		t.Parallel()

		f := g.MustFunc(double)

		_, err := f.Invoke(ctx, []any{"x"})
		assert.ErrorIs(t, err, graph.ErrArgType)
	})

	t.Run("numeric conversions must keep the value", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name    string
			fn      any
			arg     any
			want    any
			wantErr bool
		}{
			{name: "integral float to int", fn: double, arg: 2.0, want: 4},
			{name: "fractional float to int", fn: double, arg: 2.5, wantErr: true},
			{name: "int overflows int8", fn: func(x int8) int8 { return x }, arg: 300, wantErr: true},
			{name: "negative int to uint", fn: func(x uint) uint { return x }, arg: -1, wantErr: true},
			{name: "large uint to int64", fn: func(x int64) int64 { return x }, arg: uint64(1 << 63), wantErr: true},
			{name: "float64 to float32 rounds", fn: func(x float32) float32 { return x }, arg: 0.1, want: float32(0.1)},
		}

		for _, tt := range tests {
			out, err := g.MustFunc(tt.fn).Invoke(ctx, []any{tt.arg})
			if tt.wantErr {
				assert.ErrorIs(t, err, graph.ErrArgType, tt.name)

				continue
			}

			require.NoError(t, err, tt.name)
			assert.Equal(t, tt.want, out[0], tt.name)
		}
	})

	t.Run("dynamic arity mismatch", func(t *testing.T) {
		t.Parallel()

		f, err := g.Dynamic("split", 3, func(_ context.Context, args []any) ([]any, error) {
			out := make([]any, 0, len(args))
			for i := range args {
				out = append(out, strconv.Itoa(i))
			}

			return out, nil
		})
		require.NoError(t, err)

		out, err := f.Invoke(ctx, []any{1, 2, 3})
		require.NoError(t, err)
		assert.Equal(t, []any{"0", "1", "2"}, out)

		_, err = f.Invoke(ctx, []any{1})
		require.Error(t, err)
		assert.True(t, graph.IsArityMismatch(err))
	})
}

func TestDynamic_Errors(t *testing.T) {
	t.Parallel()

	g := graph.New()
	body := func(context.Context, []any) ([]any, error) { return nil, nil }

	_, err := g.Dynamic("nil", 1, nil)
	assert.True(t, graph.IsInvalidFunc(err))

	_, err = g.Dynamic("zero", 0, body)
	assert.True(t, graph.IsInvalidFunc(err))

	_, err = g.Dynamic("conflict", 2, body, graph.WithOutputs(3))
	assert.True(t, graph.IsArityMismatch(err))

	f, err := g.Dynamic("any", 2, body)
	require.NoError(t, err)
	assert.Equal(t, -1, f.Inputs())

	h := graph.Must(f.Call(1, 2, 3, 4))
	assert.Len(t, h, 2)
}
