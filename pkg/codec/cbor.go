package codec

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBOR encodes with deterministic CBOR (RFC 8949 core deterministic encoding).
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR builds the CBOR codec. Maps decoded as any use string keys.
func NewCBOR() CBOR {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encode options: %v", err))
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode options: %v", err))
	}

	return CBOR{enc: enc, dec: dec}
}

func (CBOR) Name() string { return "cbor" }

func (c CBOR) Marshal(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor encode: %w", err)
	}

	return data, nil
}

func (c CBOR) Unmarshal(data []byte, t reflect.Type) (any, error) {
	v, err := decode(t, func(ptr any) error { return c.dec.Unmarshal(data, ptr) })
	if err != nil {
		return nil, fmt.Errorf("cbor decode into %v: %w", t, err)
	}

	return v, nil
}
