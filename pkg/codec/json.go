package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// JSON encodes with encoding/json. Values decoded as any follow the
// encoding/json conventions (numbers become float64).
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}

	return data, nil
}

func (JSON) Unmarshal(data []byte, t reflect.Type) (any, error) {
	v, err := decode(t, func(ptr any) error { return json.Unmarshal(data, ptr) })
	if err != nil {
		return nil, fmt.Errorf("json decode into %v: %w", t, err)
	}

	return v, nil
}
