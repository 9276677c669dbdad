// Package codec converts node outputs to bytes and back.
package codec

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// ErrUnknownCodec indicates a codec name that is not registered.
var ErrUnknownCodec = errors.New("unknown codec")

// Codec serializes single output values. Unmarshal decodes into a fresh
// value of type t; an interface type decodes to the codec's generic form.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, t reflect.Type) (any, error)
}

var anyType = reflect.TypeOf((*any)(nil)).Elem()

var builtin = map[string]Codec{
	"json":    JSON{},
	"msgpack": MsgPack{},
	"cbor":    NewCBOR(),
}

// ByName returns the codec registered under name ("json", "msgpack", "cbor").
func ByName(name string) (Codec, error) {
	c, ok := builtin[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrUnknownCodec, name, strings.Join(Names(), ", "))
	}

	return c, nil
}

// Names lists the registered codec names.
func Names() []string {
	names := make([]string, 0, len(builtin))
	for name := range builtin {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Default returns the JSON codec.
func Default() Codec { return JSON{} }

// decode allocates a value of type t, lets fn fill it, and returns it.
func decode(t reflect.Type, fn func(ptr any) error) (any, error) {
	if t == nil {
		t = anyType
	}

	ptr := reflect.New(t)

	err := fn(ptr.Interface())
	if err != nil {
		return nil, err
	}

	return ptr.Elem().Interface(), nil
}
