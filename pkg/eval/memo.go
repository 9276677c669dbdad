package eval

import (
	"context"
	"sync"

	"github.com/dukex/lazypipe/pkg/cache"
)

// cell holds the outputs of one key for the duration of an evaluation. The
// claiming worker fills it and closes done; everyone else waits.
type cell struct {
	done   chan struct{}
	values []any
	err    error
}

func (c *cell) finish(values []any, err error) {
	c.values = values
	c.err = err
	close(c.done)
}

func (c *cell) wait(ctx context.Context) ([]any, error) {
	select {
	case <-c.done:
		return c.values, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// memo guarantees a key is produced at most once per evaluation, even when
// distinct nodes share it.
type memo struct {
	mu    sync.Mutex
	cells map[cache.Key]*cell
}

func newMemo() *memo {
	return &memo{cells: make(map[cache.Key]*cell)}
}

// claim returns the cell for key and whether the caller owns it.
func (m *memo) claim(key cache.Key) (*cell, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.cells[key]; ok {
		return c, false
	}

	c := &cell{done: make(chan struct{})}
	m.cells[key] = c

	return c, true
}

func (m *memo) lookup(key cache.Key) (*cell, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cells[key]

	return c, ok
}
