// Package cache defines the persistent result store used by evaluators.
//
// An Entry holds every output of one node as a unit, each output encoded
// separately so it can be decoded on its own. Stores never interpret output
// bytes; the codec that produced them is recorded by name.
package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

// KeySize is the length of a hex-encoded key.
const KeySize = 64

// Key is the hex sha256 digest identifying one node's outputs.
type Key string

func (k Key) String() string { return string(k) }

// Valid reports whether k looks like a hex sha256 digest.
func (k Key) Valid() bool {
	if len(k) != KeySize {
		return false
	}

	_, err := hex.DecodeString(string(k))

	return err == nil
}

// Short returns the first 12 characters, for logs.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}

	return string(k[:12])
}

// Entry is the persisted result of one node.
type Entry struct {
	Key       Key
	Node      string
	Codec     string
	Outputs   [][]byte
	CreatedAt time.Time
}

// Validate checks that an entry can be stored.
func (e *Entry) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil entry", ErrInvalidEntry)
	}

	if !e.Key.Valid() {
		return fmt.Errorf("%w: malformed key %q", ErrInvalidEntry, e.Key)
	}

	if len(e.Outputs) == 0 {
		return fmt.Errorf("%w: entry has no outputs", ErrInvalidEntry)
	}

	return nil
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	out := &Entry{
		Key:       e.Key,
		Node:      e.Node,
		Codec:     e.Codec,
		CreatedAt: e.CreatedAt,
		Outputs:   make([][]byte, len(e.Outputs)),
	}

	for i, b := range e.Outputs {
		out.Outputs[i] = append([]byte(nil), b...)
	}

	return out
}

// Meta is the serialized header of an entry, without output bytes. File and
// Redis stores keep it next to the outputs.
type Meta struct {
	Key       Key       `json:"key"`
	Node      string    `json:"node"`
	Codec     string    `json:"codec"`
	Outputs   int       `json:"outputs"`
	CreatedAt time.Time `json:"created_at"`
}

// Meta returns the entry header.
func (e *Entry) Meta() Meta {
	return Meta{
		Key:       e.Key,
		Node:      e.Node,
		Codec:     e.Codec,
		Outputs:   len(e.Outputs),
		CreatedAt: e.CreatedAt,
	}
}

// Entry builds an entry from a header and its outputs. The output count must
// match the header.
func (m Meta) Entry(outputs [][]byte) (*Entry, error) {
	if len(outputs) != m.Outputs {
		return nil, fmt.Errorf("%w: header declares %d outputs, found %d", ErrCorruptEntry, m.Outputs, len(outputs))
	}

	return &Entry{
		Key:       m.Key,
		Node:      m.Node,
		Codec:     m.Codec,
		Outputs:   outputs,
		CreatedAt: m.CreatedAt,
	}, nil
}

// Store persists entries by key. Put is the only mutation and must be atomic
// to readers: a concurrent Get sees either no entry or the complete entry.
// Implementations must be safe for concurrent use.
type Store interface {
	// Exists reports whether an entry is stored under key.
	Exists(ctx context.Context, key Key) (bool, error)

	// Get returns the entry stored under key or ErrEntryNotFound.
	Get(ctx context.Context, key Key) (*Entry, error)

	// Put stores an entry. Storing a key that already exists keeps one
	// complete entry.
	Put(ctx context.Context, entry *Entry) error

	// Close releases the store's resources.
	Close(ctx context.Context) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}
