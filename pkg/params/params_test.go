package params_test

import (
	"testing"

	"github.com/dukex/lazypipe/pkg/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *params.Registry {
	t.Helper()

	reg := params.NewRegistry()
	require.NoError(t, reg.DeclareMany(map[string]any{
		"target":     "price",
		"test_ratio": 0.2,
		"n_folds":    5,
		"fversion":   nil,
		"_n_jobs":    1,
	}))

	return reg
}

func TestDeclare(t *testing.T) {
	t.Parallel()

	reg := params.NewRegistry()

	slot, err := reg.Declare("factor", 2)
	require.NoError(t, err)
	assert.Equal(t, "factor", slot.Name())
	assert.True(t, slot.Keyed())

	_, err = reg.Declare("factor", 3)
	assert.ErrorIs(t, err, params.ErrDuplicateParameter)

	_, err = reg.Declare(" ", 3)
	assert.ErrorIs(t, err, params.ErrInvalidName)

	hidden, err := reg.Declare("_model", nil)
	require.NoError(t, err)
	assert.False(t, hidden.Keyed())

	def, ok := reg.Default("_model")
	require.True(t, ok)
	assert.True(t, params.IsUnset(def))
}

func TestSlot(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t)

	slot, err := reg.Slot("target")
	require.NoError(t, err)
	assert.Same(t, slot, reg.MustSlot("target"))

	_, err = reg.Slot("missing")
	assert.ErrorIs(t, err, params.ErrUnknownParameter)

	assert.Panics(t, func() { reg.MustSlot("missing") })
	assert.Equal(t, []string{"_n_jobs", "fversion", "n_folds", "target", "test_ratio"}, reg.Names())
}

func TestBind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		values    map[string]any
		wantErr   string
		wantValue map[string]any
		wantUnset []string
	}{
		{
			name:      "defaults only",
			values:    nil,
			wantValue: map[string]any{"target": "price", "n_folds": 5},
			wantUnset: []string{"fversion"},
		},
		{
			name:      "overlay",
			values:    map[string]any{"fversion": "v2", "n_folds": 10},
			wantValue: map[string]any{"fversion": "v2", "n_folds": 10, "test_ratio": 0.2},
		},
		{
			name:      "nil unsets",
			values:    map[string]any{"target": nil},
			wantUnset: []string{"target"},
		},
		{
			name:    "unknown names sorted",
			values:  map[string]any{"zeta": 1, "alpha": 2},
			wantErr: "unknown parameter: alpha, zeta",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := newRegistry(t)

			binding, err := reg.Bind(tt.values)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, params.ErrUnknownParameter)
				assert.EqualError(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)

			for name, want := range tt.wantValue {
				got, ok := binding.Lookup(name)
				require.True(t, ok, name)
				assert.Equal(t, want, got, name)
			}

			for _, name := range tt.wantUnset {
				_, ok := binding.Lookup(name)
				assert.False(t, ok, name)
				assert.NotContains(t, binding.Names(), name)
			}
		})
	}
}

func TestBinding_With(t *testing.T) {
	t.Parallel()

	base := params.NewBinding(map[string]any{"factor": 2})
	next := base.With("factor", 3)

	got, _ := base.Lookup("factor")
	assert.Equal(t, 2, got)

	got, _ = next.Lookup("factor")
	assert.Equal(t, 3, got)

	assert.Equal(t, map[string]any{"factor": 3}, next.Values())
}
