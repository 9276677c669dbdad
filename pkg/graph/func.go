package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
)

// DynamicFunc is a node body whose output count is only known when it runs.
// Returning a slice whose length differs from the declared count fails the
// evaluation with ErrArityMismatch.
type DynamicFunc func(ctx context.Context, args []any) ([]any, error)

// Func is a node definition: a function plus the identity used in cache keys.
type Func struct {
	graph *Graph

	name        string
	prefix      string
	version     string
	nout        int
	nin         int
	argNames    []string
	fingerprint FingerprintMode

	fn       reflect.Value
	hasCtx   bool
	hasErr   bool
	inTypes  []reflect.Type
	outTypes []reflect.Type
	dynamic  DynamicFunc
	pc       uintptr

	fpOnce  sync.Once
	fpValue string
}

// FuncOption configures a Func at definition time.
type FuncOption func(*Func)

// WithName overrides the identity derived from the function symbol.
func WithName(name string) FuncOption {
	return func(f *Func) { f.name = name }
}

// WithNamePrefix prepends a namespace to the identity.
func WithNamePrefix(prefix string) FuncOption {
	return func(f *Func) { f.prefix = prefix }
}

// WithVersion sets the explicit version tag. Bumping it invalidates every
// cache entry of the node.
func WithVersion(version string) FuncOption {
	return func(f *Func) { f.version = version }
}

// WithOutputs declares the output count. For reflected functions it must match
// the number of non-error results.
func WithOutputs(n int) FuncOption {
	return func(f *Func) { f.nout = n }
}

// WithArgNames names the arguments for diagnostics.
func WithArgNames(names ...string) FuncOption {
	return func(f *Func) { f.argNames = names }
}

// WithFingerprint selects how code identity enters the cache key.
func WithFingerprint(mode FingerprintMode) FuncOption {
	return func(f *Func) { f.fingerprint = mode }
}

// WithOutputTypes declares the Go types of a dynamic func's outputs so cached
// values decode back to the same types.
func WithOutputTypes(types ...reflect.Type) FuncOption {
	return func(f *Func) { f.outTypes = types }
}

// Func wraps fn as a node definition. fn must have the shape
// func([context.Context,] A1, ..., An) (R1, ..., Rk[, error]) with k >= 1.
func (g *Graph) Func(fn any, opts ...FuncOption) (*Func, error) {
	value := reflect.ValueOf(fn)
	if !value.IsValid() || value.Kind() != reflect.Func || value.IsNil() {
		return nil, newNodeError("Define", fmt.Sprintf("%T", fn), fmt.Errorf("%w: expected a function", ErrInvalidFunc))
	}

	typ := value.Type()
	if typ.IsVariadic() {
		return nil, newNodeError("Define", symbolName(value.Pointer()), fmt.Errorf("%w: variadic functions are not supported", ErrInvalidFunc))
	}

	f := &Func{
		graph: g,
		name:  symbolName(value.Pointer()),
		fn:    value,
		pc:    value.Pointer(),
	}

	start := 0
	if typ.NumIn() > 0 && typ.In(0) == contextType {
		f.hasCtx = true
		start = 1
	}

	for i := start; i < typ.NumIn(); i++ {
		f.inTypes = append(f.inTypes, typ.In(i))
	}

	f.nin = len(f.inTypes)

	numOut := typ.NumOut()
	if numOut > 0 && typ.Out(numOut-1) == errorType {
		f.hasErr = true
		numOut--
	}

	for i := range numOut {
		f.outTypes = append(f.outTypes, typ.Out(i))
	}

	static := len(f.outTypes)
	staticTypes := f.outTypes
	f.nout = static

	for _, opt := range opts {
		opt(f)
	}

	if static == 0 {
		return nil, newNodeError("Define", f.Identity(), fmt.Errorf("%w: a node must produce at least one output", ErrInvalidFunc))
	}

	if f.nout != static {
		return nil, newNodeError("Define", f.Identity(),
			fmt.Errorf("%w: declared %d outputs, function returns %d", ErrArityMismatch, f.nout, static))
	}

	f.outTypes = staticTypes

	return f, nil
}

// MustFunc is Func that panics on error, for package-level pipeline wiring.
func (g *Graph) MustFunc(fn any, opts ...FuncOption) *Func {
	f, err := g.Func(fn, opts...)
	if err != nil {
		panic(err)
	}

	return f
}

// Dynamic wraps a DynamicFunc that accepts any number of arguments and
// declares nout outputs.
func (g *Graph) Dynamic(name string, nout int, fn DynamicFunc, opts ...FuncOption) (*Func, error) {
	if fn == nil {
		return nil, newNodeError("Define", name, fmt.Errorf("%w: nil dynamic function", ErrInvalidFunc))
	}

	if nout < 1 {
		return nil, newNodeError("Define", name, fmt.Errorf("%w: a node must produce at least one output", ErrInvalidFunc))
	}

	f := &Func{
		graph:   g,
		name:    name,
		nout:    nout,
		nin:     -1,
		dynamic: fn,
		pc:      reflect.ValueOf(fn).Pointer(),
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.nout != nout {
		return nil, newNodeError("Define", f.Identity(), fmt.Errorf("%w: WithOutputs conflicts with declared count", ErrArityMismatch))
	}

	if f.outTypes != nil && len(f.outTypes) != nout {
		return nil, newNodeError("Define", f.Identity(), fmt.Errorf("%w: %d output types for %d outputs", ErrArityMismatch, len(f.outTypes), nout))
	}

	return f, nil
}

// Call records a node invoking f with the given arguments and returns one
// handle per output. Arguments may be Handles, *params.Slot, Sources or plain
// values. The function body does not run.
func (f *Func) Call(args ...any) ([]Handle, error) {
	if f.nin >= 0 && len(args) != f.nin {
		return nil, newNodeError("Call", f.Identity(), fmt.Errorf("%w: want %d, got %d", ErrArgCount, f.nin, len(args)))
	}

	sources := make([]Source, len(args))

	for i, arg := range args {
		src := SourceOf(arg)

		if src.kind == SourceOutput {
			if !src.handle.Valid() {
				return nil, newNodeError("Call", f.Identity(), fmt.Errorf("%w: argument %s", ErrInvalidHandle, f.argName(i)))
			}

			if src.handle.node.graph != f.graph {
				return nil, newNodeError("Call", f.Identity(), fmt.Errorf("%w: argument %s", ErrForeignHandle, f.argName(i)))
			}
		}

		if src.kind == SourceParam && src.slot == nil {
			return nil, newNodeError("Call", f.Identity(), fmt.Errorf("%w: nil parameter slot for argument %s", ErrArgType, f.argName(i)))
		}

		sources[i] = src
	}

	node := f.graph.add(f, sources)

	handles := make([]Handle, f.nout)
	for i := range handles {
		handles[i] = Handle{node: node, index: i}
	}

	return handles, nil
}

// Must panics if err is not nil and returns handles otherwise.
func Must(handles []Handle, err error) []Handle {
	if err != nil {
		panic(err)
	}

	return handles
}

// Invoke runs the function body with fully resolved arguments.
func (f *Func) Invoke(ctx context.Context, args []any) ([]any, error) {
	if f.dynamic != nil {
		out, err := f.dynamic(ctx, args)
		if err != nil {
			return nil, err
		}

		if len(out) != f.nout {
			return nil, newNodeError("Invoke", f.Identity(),
				fmt.Errorf("%w: declared %d outputs, body returned %d", ErrArityMismatch, f.nout, len(out)))
		}

		return out, nil
	}

	if len(args) != f.nin {
		return nil, newNodeError("Invoke", f.Identity(), fmt.Errorf("%w: want %d, got %d", ErrArgCount, f.nin, len(args)))
	}

	in := make([]reflect.Value, 0, len(args)+1)
	if f.hasCtx {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}

	for i, arg := range args {
		value, err := convertArg(arg, f.inTypes[i])
		if err != nil {
			return nil, newNodeError("Invoke", f.Identity(), fmt.Errorf("argument %s: %w", f.argName(i), err))
		}

		in = append(in, value)
	}

	results := f.fn.Call(in)

	if f.hasErr {
		last := results[len(results)-1]
		results = results[:len(results)-1]

		if !last.IsNil() {
			err, _ := last.Interface().(error)

			return nil, err
		}
	}

	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r.Interface()
	}

	return out, nil
}

func convertArg(arg any, target reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch target.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(target), nil
		default:
			return reflect.Value{}, fmt.Errorf("%w: nil for %s", ErrArgType, target)
		}
	}

	value := reflect.ValueOf(arg)
	if value.Type().AssignableTo(target) {
		return value, nil
	}

	if isNumeric(value.Kind()) && isNumeric(target.Kind()) {
		converted := value.Convert(target)
		if !sameNumber(value, converted) {
			return reflect.Value{}, fmt.Errorf("%w: %v does not fit %s", ErrArgType, arg, target)
		}

		return converted, nil
	}

	return reflect.Value{}, fmt.Errorf("%w: %s is not assignable to %s", ErrArgType, value.Type(), target)
}

// sameNumber reports whether a numeric conversion kept the value. Float to
// float conversions may round; every other conversion must be exact.
func sameNumber(from, to reflect.Value) bool {
	switch {
	case isFloat(from.Kind()) && isFloat(to.Kind()):
		return true
	case isSigned(from.Kind()) && isUnsigned(to.Kind()) && from.Int() < 0:
		return false
	case isUnsigned(from.Kind()) && isSigned(to.Kind()) && to.Int() < 0:
		return false
	}

	return to.Convert(from.Type()).Equal(from)
}

func isFloat(kind reflect.Kind) bool {
	return kind == reflect.Float32 || kind == reflect.Float64
}

func isSigned(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	default:
		return false
	}
}

func isUnsigned(kind reflect.Kind) bool {
	switch kind {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	default:
		return false
	}
}

func isNumeric(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// Identity is the name used in cache keys: prefix plus function name.
func (f *Func) Identity() string {
	return f.prefix + f.name
}

// ShortName drops the package path from the identity.
func (f *Func) ShortName() string {
	name := f.Identity()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	return name
}

func (f *Func) Version() string { return f.version }
func (f *Func) Outputs() int { return f.nout }

// Inputs returns the argument count, or -1 for dynamic funcs.
func (f *Func) Inputs() int { return f.nin }

// OutputType returns the static Go type of output i. Outputs without a known
// type decode as any.
func (f *Func) OutputType(i int) reflect.Type {
	if i < 0 || i >= len(f.outTypes) || f.outTypes[i] == nil {
		return anyType
	}

	return f.outTypes[i]
}

// ArgName returns the diagnostic name of argument i.
func (f *Func) ArgName(i int) string { return f.argName(i) }

func (f *Func) argName(i int) string {
	if i < len(f.argNames) && f.argNames[i] != "" {
		return f.argNames[i]
	}

	return fmt.Sprintf("#%d", i)
}

// Fingerprint returns the code identity digest of the function body. It is
// computed on first use.
func (f *Func) Fingerprint() string {
	if f.fingerprint == FingerprintNone {
		return ""
	}

	f.fpOnce.Do(func() {
		f.fpValue = sourceFingerprint(f.pc)
	})

	return f.fpValue
}

func symbolName(pc uintptr) string {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "anonymous"
	}

	return fn.Name()
}

// IsInvalidFunc checks if an error was caused by an unusable node body.
func IsInvalidFunc(err error) bool {
	return errors.Is(err, ErrInvalidFunc)
}
