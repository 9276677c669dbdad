package eval

import (
	"errors"
	"fmt"
)

// Stage names the phase of an evaluation that failed.
type Stage string

const (
	StageConstruction Stage = "construction"
	StageBinding      Stage = "binding"
	StageExecution    Stage = "execution"
	StageCaching      Stage = "caching"
)

var (
	// ErrUnresolvedParameter indicates a reachable slot has no bound value.
	ErrUnresolvedParameter = errors.New("unresolved parameter")

	// ErrCacheUnavailable indicates a cache read failed while FailOnCacheError is set.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrUnknownTarget indicates a requested export name does not exist.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrUnkeyable indicates an argument value cannot contribute to a cache key.
	ErrUnkeyable = errors.New("value cannot be keyed")

	// ErrPanic indicates a node body panicked.
	ErrPanic = errors.New("node panicked")
)

// Error is returned by every failed evaluation.
type Error struct {
	Stage Stage  // Phase that failed
	Node  string // Node display name and id, if applicable
	Slot  string // Parameter slot, for binding errors
	Err   error  // Underlying error
}

func (e *Error) Error() string {
	switch {
	case e.Slot != "" && e.Node != "":
		return fmt.Sprintf("%s error at node %s (parameter %s): %v", e.Stage, e.Node, e.Slot, e.Err)
	case e.Node != "":
		return fmt.Sprintf("%s error at node %s: %v", e.Stage, e.Node, e.Err)
	default:
		return fmt.Sprintf("%s error: %v", e.Stage, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(stage Stage, node, slot string, err error) *Error {
	return &Error{Stage: stage, Node: node, Slot: slot, Err: err}
}

// StageOf returns the stage of an evaluation error, or "" for other errors.
func StageOf(err error) Stage {
	var evalErr *Error
	if errors.As(err, &evalErr) {
		return evalErr.Stage
	}

	return ""
}

// IsUnresolvedParameter checks if an error reports a missing parameter binding.
func IsUnresolvedParameter(err error) bool {
	return errors.Is(err, ErrUnresolvedParameter)
}

// IsCacheUnavailable checks if an error reports a fatal cache read failure.
func IsCacheUnavailable(err error) bool {
	return errors.Is(err, ErrCacheUnavailable)
}
