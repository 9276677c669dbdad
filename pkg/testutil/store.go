// Package testutil provides test data builders and shared test suites.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dukex/lazypipe/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// KeyOf derives a valid cache key from a label.
func KeyOf(label string) cache.Key {
	sum := sha256.Sum256([]byte(label))

	return cache.Key(hex.EncodeToString(sum[:]))
}

// NewEntry creates an entry keyed by label with the given outputs.
func NewEntry(label string, outputs ...[]byte) *cache.Entry {
	if len(outputs) == 0 {
		outputs = [][]byte{[]byte(label)}
	}

	return &cache.Entry{
		Key:       KeyOf(label),
		Node:      label,
		Codec:     "json",
		Outputs:   outputs,
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// RunStoreSuite checks the behavior every cache.Store must provide. newStore
// returns a fresh, empty store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) cache.Store) {
	t.Helper()

	t.Run("miss", func(t *testing.T) {
		store := newStore(t)
		ctx := t.Context()
		key := KeyOf("missing")

		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.Get(ctx, key)
		require.Error(t, err)
		assert.True(t, cache.IsNotFound(err))
		assert.False(t, cache.IsUnavailable(err))
	})

	t.Run("put then get", func(t *testing.T) {
		store := newStore(t)
		ctx := t.Context()
		entry := NewEntry("multi", []byte(`{"a":1}`), []byte{0, 1, 2, 255}, []byte{})

		require.NoError(t, store.Put(ctx, entry))

		ok, err := store.Exists(ctx, entry.Key)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := store.Get(ctx, entry.Key)
		require.NoError(t, err)
		assert.Equal(t, entry.Key, got.Key)
		assert.Equal(t, entry.Node, got.Node)
		assert.Equal(t, entry.Codec, got.Codec)
		assert.True(t, entry.CreatedAt.Equal(got.CreatedAt))
		require.Len(t, got.Outputs, 3)

		for i := range entry.Outputs {
			assert.Equal(t, len(entry.Outputs[i]), len(got.Outputs[i]), "output %d", i)

			if len(entry.Outputs[i]) > 0 {
				assert.Equal(t, entry.Outputs[i], got.Outputs[i], "output %d", i)
			}
		}
	})

	t.Run("put twice keeps one entry", func(t *testing.T) {
		store := newStore(t)
		ctx := t.Context()
		entry := NewEntry("twice")

		require.NoError(t, store.Put(ctx, entry))
		require.NoError(t, store.Put(ctx, entry))

		got, err := store.Get(ctx, entry.Key)
		require.NoError(t, err)
		assert.Equal(t, entry.Outputs, got.Outputs)
	})

	t.Run("rejects invalid entry", func(t *testing.T) {
		store := newStore(t)
		ctx := t.Context()

		err := store.Put(ctx, &cache.Entry{Key: "short", Outputs: [][]byte{{1}}})
		require.Error(t, err)
		assert.ErrorIs(t, err, cache.ErrInvalidEntry)

		err = store.Put(ctx, &cache.Entry{Key: KeyOf("empty")})
		assert.ErrorIs(t, err, cache.ErrInvalidEntry)
	})

	t.Run("concurrent readers see whole entries", func(t *testing.T) {
		store := newStore(t)
		ctx := t.Context()

		var wg sync.WaitGroup

		for i := range 8 {
			entry := NewEntry(fmt.Sprintf("concurrent-%d", i), []byte("x"), []byte("y"))

			wg.Add(2)

			go func() {
				defer wg.Done()

				assert.NoError(t, store.Put(ctx, entry))
			}()

			go func() {
				defer wg.Done()

				got, err := store.Get(ctx, entry.Key)
				if err != nil {
					assert.True(t, cache.IsNotFound(err), "unexpected error: %v", err)

					return
				}

				assert.Len(t, got.Outputs, 2)
			}()
		}

		wg.Wait()
	})

	t.Run("health check", func(t *testing.T) {
		store := newStore(t)

		assert.NoError(t, store.HealthCheck(context.Background()))
	})
}
