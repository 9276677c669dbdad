package graph

import (
	"errors"
	"fmt"
)

// Construction and shape errors. Callers match them with errors.Is.
var (
	// ErrInvalidFunc indicates the wrapped value cannot be used as a node body.
	ErrInvalidFunc = errors.New("invalid node function")

	// ErrArgCount indicates a call supplied the wrong number of arguments.
	ErrArgCount = errors.New("argument count mismatch")

	// ErrArgType indicates a resolved argument cannot be passed to the node body.
	ErrArgType = errors.New("argument type mismatch")

	// ErrInvalidHandle indicates a handle that does not point at an output of a node.
	ErrInvalidHandle = errors.New("invalid output handle")

	// ErrForeignHandle indicates a handle created by a different graph.
	ErrForeignHandle = errors.New("handle belongs to another graph")

	// ErrArityMismatch indicates a node body returned a different number of outputs than declared.
	ErrArityMismatch = errors.New("output arity mismatch")

	// ErrCycle indicates a node transitively depends on its own output.
	ErrCycle = errors.New("cycle detected")

	// ErrDuplicateExport indicates an export name is already taken.
	ErrDuplicateExport = errors.New("export name already registered")
)

// NodeError wraps node-related errors with the operation and node that failed.
type NodeError struct {
	Op   string // Operation being performed (e.g., "Define", "Call", "Invoke")
	Node string // Node or function identity
	Err  error  // Underlying error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s failed for node %s: %v", e.Op, e.Node, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for node errors.
func (e *NodeError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newNodeError(op, node string, err error) *NodeError {
	return &NodeError{Op: op, Node: node, Err: err}
}

// IsArityMismatch checks if an error reports a wrong number of node outputs.
func IsArityMismatch(err error) bool {
	return errors.Is(err, ErrArityMismatch)
}

// IsCycle checks if an error reports a dependency cycle.
func IsCycle(err error) bool {
	return errors.Is(err, ErrCycle)
}
