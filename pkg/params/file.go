package params

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/xeipuuv/gojsonschema"
	"github.com/zclconf/go-cty/cty"
)

// ErrInvalidBinding indicates a binding file or assignment that cannot be used.
var ErrInvalidBinding = errors.New("invalid parameter binding")

// Schema returns a JSON schema describing the registry's slots. Types come
// from the declared defaults; Unset slots accept any value.
func (r *Registry) Schema() map[string]any {
	properties := make(map[string]any)

	for _, name := range r.Names() {
		def, _ := r.Default(name)
		prop := map[string]any{}

		if t := jsonType(def); t != "" {
			prop["type"] = t
		}

		if !IsUnset(def) {
			prop["default"] = def
		}

		properties[name] = prop
	}

	return map[string]any{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
}

func jsonType(v any) string {
	if v == nil || IsUnset(v) {
		return ""
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Bool:
		return "boolean"
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	default:
		return ""
	}
}

// Validate checks values against the registry schema.
func (r *Registry) Validate(values map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(r.Schema()),
		gojsonschema.NewGoLoader(values),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBinding, err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidBinding, strings.Join(msgs, "; "))
	}

	return nil
}

// LoadFile reads values from a .json or .hcl file, validates them and binds them.
func (r *Registry) LoadFile(path string, overrides map[string]any) (Binding, error) {
	values, err := ReadFile(path)
	if err != nil {
		return Binding{}, err
	}

	for k, v := range overrides {
		values[k] = v
	}

	err = r.Validate(values)
	if err != nil {
		return Binding{}, err
	}

	return r.Bind(values)
}

// ReadFile decodes a parameter file without binding it.
func ReadFile(path string) (map[string]any, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return readJSON(path)
	case ".hcl":
		return readHCL(path)
	default:
		return nil, fmt.Errorf("%w: unsupported file type %q", ErrInvalidBinding, filepath.Ext(path))
	}
}

func readJSON(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter file %s: %w", path, err)
	}

	var raw map[string]any

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	err = decoder.Decode(&raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidBinding, path, err)
	}

	if raw == nil {
		raw = make(map[string]any)
	}

	return Normalize(raw), nil
}

// Normalize rewrites decoded JSON numbers, either json.Number or float64, the
// way every binding source reads them: integral values become int and the
// rest float64. Arrays and objects are rewritten in place. A value reaches
// the same cache key whether it came from a file, an assignment or a request.
func Normalize(values map[string]any) map[string]any {
	for k, v := range values {
		values[k] = normalizeJSON(v)
	}

	return values
}

func normalizeJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}

		f, err := t.Float64()
		if err != nil {
			return t.String()
		}

		return normalizeFloat(f)
	case float64:
		return normalizeFloat(t)
	case []any:
		for i := range t {
			t[i] = normalizeJSON(t[i])
		}

		return t
	case map[string]any:
		return Normalize(t)
	default:
		return v
	}
}

// normalizeFloat matches the HCL reader, which yields int for integral numbers.
func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt && f < math.MaxInt {
		return int(f)
	}

	return f
}

func readHCL(path string) (map[string]any, error) {
	parser := hclparse.NewParser()

	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to parse HCL file %s: %w", ErrInvalidBinding, path, diags)
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to decode HCL file %s: %w", ErrInvalidBinding, path, diags)
	}

	values := make(map[string]any, len(attrs))

	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("%w: attribute %s: %w", ErrInvalidBinding, name, diags)
		}

		native, err := ctyToNative(val)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute %s: %w", ErrInvalidBinding, name, err)
		}

		values[name] = native
	}

	return values, nil
}

func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()

	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact && i >= math.MinInt && i <= math.MaxInt {
				return int(i), nil
			}
		}

		f, _ := bf.Float64()

		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())

		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()

			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}

			out = append(out, native)
		}

		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)

		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()

			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute '%s': %w", key.AsString(), err)
			}

			out[key.AsString()] = native
		}

		return out, nil

	default:
		return nil, fmt.Errorf("unsupported cty type %s", ty.FriendlyName())
	}
}

// ParseAssignments parses name=value pairs. Values are decoded as JSON when
// possible (numbers, booleans, arrays, objects, quoted strings) and kept as
// raw strings otherwise.
func ParseAssignments(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))

	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)

		if !ok || name == "" {
			return nil, fmt.Errorf("%w: expected name=value, got %q", ErrInvalidBinding, pair)
		}

		var decoded any

		decoder := json.NewDecoder(strings.NewReader(raw))
		decoder.UseNumber()

		if err := decoder.Decode(&decoded); err == nil && !decoder.More() {
			values[name] = normalizeJSON(decoded)

			continue
		}

		values[name] = raw
	}

	return values, nil
}
