package cache

import (
	"errors"
	"fmt"
)

// Standard cache error types that all stores use.
var (
	// ErrEntryNotFound indicates no entry is stored under the key.
	ErrEntryNotFound = errors.New("cache entry not found")

	// ErrUnavailable indicates the store could not be reached or read.
	ErrUnavailable = errors.New("cache store unavailable")

	// ErrCorruptEntry indicates a stored entry could not be read back whole.
	ErrCorruptEntry = errors.New("corrupt cache entry")

	// ErrInvalidEntry indicates an entry was rejected before being stored.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// StoreError wraps store failures with the operation and key involved.
type StoreError struct {
	Op    string // Operation being performed (e.g., "Get", "Put", "Exists")
	Store string // Store kind (e.g., "file", "redis")
	Key   Key    // Key if applicable
	Err   error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s store operation failed: %v", e.Op, e.Store, e.Err)
	}

	return fmt.Sprintf("%s %s store operation failed for key %s: %v", e.Op, e.Store, e.Key.Short(), e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for store errors. Failures other than a
// missing or rejected entry also match ErrUnavailable.
func (e *StoreError) Is(target error) bool {
	if target == ErrUnavailable {
		return !errors.Is(e.Err, ErrEntryNotFound) && !errors.Is(e.Err, ErrInvalidEntry)
	}

	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(store, op string, key Key, err error) *StoreError {
	return &StoreError{
		Op:    op,
		Store: store,
		Key:   key,
		Err:   err,
	}
}

// IsNotFound checks if an error indicates a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound)
}

// IsUnavailable checks if an error indicates the store could not serve a request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsCorrupt checks if an error indicates an unreadable entry.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptEntry)
}
