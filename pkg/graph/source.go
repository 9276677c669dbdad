package graph

import (
	"github.com/dukex/lazypipe/pkg/params"
)

// SourceKind tags the variant held by a Source.
type SourceKind int

const (
	SourceLiteral SourceKind = iota // A constant value fixed at construction time
	SourceOutput                    // One output of an upstream node
	SourceParam                     // A parameter slot resolved per evaluation
)

func (k SourceKind) String() string {
	switch k {
	case SourceLiteral:
		return "literal"
	case SourceOutput:
		return "output"
	case SourceParam:
		return "param"
	default:
		return "unknown"
	}
}

// Keyer lets literal and parameter values choose their own cache key contribution.
// Values that are not JSON-encodable (models, clients) must implement it or be
// passed through Unkeyed.
type Keyer interface {
	CacheKey() string
}

// Source is where a node argument comes from: a literal, an upstream output
// or a parameter slot.
type Source struct {
	kind    SourceKind
	value   any
	handle  Handle
	slot    *params.Slot
	unkeyed bool
}

// Literal wraps a constant value.
func Literal(v any) Source {
	return Source{kind: SourceLiteral, value: v}
}

// Output wraps an upstream handle.
func Output(h Handle) Source {
	return Source{kind: SourceOutput, handle: h}
}

// Param wraps a parameter slot. Slots whose name starts with "_" are unkeyed.
func Param(s *params.Slot) Source {
	return Source{kind: SourceParam, slot: s, unkeyed: s != nil && !s.Keyed()}
}

// Unkeyed marks an argument as excluded from cache key derivation. The value
// still reaches the node body.
func Unkeyed(arg any) Source {
	src := SourceOf(arg)
	src.unkeyed = true

	return src
}

// SourceOf converts a call argument to a Source.
func SourceOf(arg any) Source {
	switch a := arg.(type) {
	case Source:
		return a
	case Handle:
		return Output(a)
	case *params.Slot:
		return Param(a)
	default:
		return Literal(a)
	}
}

func (s Source) Kind() SourceKind { return s.kind }
func (s Source) Value() any { return s.value }
func (s Source) Handle() Handle { return s.handle }
func (s Source) Slot() *params.Slot { return s.slot }
func (s Source) Keyed() bool { return !s.unkeyed }
