package eval

import (
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"reflect"
	"strconv"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/dukex/lazypipe/pkg/graph"
	"github.com/dukex/lazypipe/pkg/params"
)

// keyVersion changes whenever the key layout changes, invalidating every entry.
const keyVersion = "lazypipe/key/v1"

// nodeKey hashes a node's identity with its argument contributions. Upstream
// keys must already be in upstream.
func nodeKey(n *graph.Node, upstream map[*graph.Node]cache.Key, binding params.Binding) (cache.Key, error) {
	fn := n.Func()
	h := sha256.New()

	writeField(h, keyVersion)
	writeField(h, fn.Identity())
	writeField(h, fn.Version())
	writeField(h, fn.Fingerprint())
	writeField(h, strconv.Itoa(fn.Outputs()))

	for i, arg := range n.Args() {
		writeField(h, arg.Kind().String())

		if !arg.Keyed() {
			writeField(h, "unkeyed")

			continue
		}

		switch arg.Kind() {
		case graph.SourceOutput:
			up := arg.Handle()
			writeField(h, string(upstream[up.Node()])+"#"+strconv.Itoa(up.Index()))

		case graph.SourceLiteral:
			part, err := valueKey(arg.Value())
			if err != nil {
				return "", newError(StageConstruction, n.String(), "", fmt.Errorf("argument %s: %w", fn.ArgName(i), err))
			}

			writeField(h, part)

		case graph.SourceParam:
			name := arg.Slot().Name()
			value, _ := binding.Lookup(name)

			part, err := valueKey(value)
			if err != nil {
				return "", newError(StageBinding, n.String(), name, err)
			}

			writeField(h, name+"="+part)
		}
	}

	return cache.Key(hex.EncodeToString(h.Sum(nil))), nil
}

// valueKey renders a literal or bound value as a stable string: the Keyer
// result when implemented, otherwise the Go type plus canonical JSON. JSON
// object keys are sorted by encoding/json, so maps key deterministically.
// Values JSON cannot represent in full are unkeyable.
func valueKey(v any) (string, error) {
	if v == nil {
		return "nil", nil
	}

	if k, ok := v.(graph.Keyer); ok {
		return "keyer:" + k.CacheKey(), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %T: %w", ErrUnkeyable, v, err)
	}

	if reason := lossy(reflect.ValueOf(v)); reason != "" {
		return "", fmt.Errorf("%w: %T: %s; implement graph.Keyer", ErrUnkeyable, v, reason)
	}

	return reflect.TypeOf(v).String() + ":" + string(data), nil
}

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// lossy names the first part of v that encoding/json would drop or could not
// tell apart, or returns "". Types with their own JSON or text form are
// trusted. json.Marshal has already rejected cycles.
func lossy(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}

	t := v.Type()
	if t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) {
		return ""
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return t.String() + " value"

	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return ""
		}

		return lossy(v.Elem())

	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			if reason := lossy(v.Index(i)); reason != "" {
				return reason
			}
		}

	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if reason := lossy(iter.Value()); reason != "" {
				return reason
			}
		}

	case reflect.Struct:
		for i := range t.NumField() {
			field := t.Field(i)

			if field.Tag.Get("json") == "-" {
				return fmt.Sprintf("field %s.%s is not encoded", t, field.Name)
			}

			if !field.IsExported() && !embedsStruct(field) {
				return fmt.Sprintf("unexported field %s.%s", t, field.Name)
			}

			if reason := lossy(v.Field(i)); reason != "" {
				return reason
			}
		}
	}

	return ""
}

// embedsStruct reports an embedded struct, whose exported fields encoding/json
// promotes even when the embedded type itself is unexported.
func embedsStruct(field reflect.StructField) bool {
	t := field.Type
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return field.Anonymous && t.Kind() == reflect.Struct
}

// writeField length-prefixes s so adjacent fields cannot run together.
func writeField(h hash.Hash, s string) {
	_, _ = h.Write([]byte(strconv.Itoa(len(s))))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(s))
}
