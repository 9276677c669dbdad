package codec

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack encodes with MessagePack. It is more compact than JSON and keeps
// integer and float kinds apart.
type MsgPack struct{}

func (MsgPack) Name() string { return "msgpack" }

func (MsgPack) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}

	return data, nil
}

func (MsgPack) Unmarshal(data []byte, t reflect.Type) (any, error) {
	v, err := decode(t, func(ptr any) error { return msgpack.Unmarshal(data, ptr) })
	if err != nil {
		return nil, fmt.Errorf("msgpack decode into %v: %w", t, err)
	}

	return v, nil
}
