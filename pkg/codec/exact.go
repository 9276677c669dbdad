package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// ErrInexact indicates a value that does not decode back to itself.
var ErrInexact = errors.New("value does not round-trip")

// NaN marks missing values in numeric data, so it must compare equal to
// itself. Unexported fields take part in the comparison.
var exactOptions = cmp.Options{
	cmpopts.EquateNaNs(),
	cmp.Exporter(func(reflect.Type) bool { return true }),
}

// MarshalExact encodes v and checks that decoding into t reproduces it.
func MarshalExact(c Codec, v any, t reflect.Type) (_ []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrInexact, p)
		}
	}()

	data, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}

	back, err := c.Unmarshal(data, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInexact, err)
	}

	if !Equal(v, back) {
		return nil, fmt.Errorf("%w: %T decodes as %T with %s", ErrInexact, v, back, c.Name())
	}

	return data, nil
}

// Equal reports whether a and b hold the same value, treating NaN as equal
// to NaN.
func Equal(a, b any) bool {
	return cmp.Equal(a, b, exactOptions)
}
