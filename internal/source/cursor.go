package source

import (
	"iter"

	"github.com/yungbote/tradegraph-kg/internal/ingesterr"
)

// Cursor is a lazy, one-shot sequence of rows. It is not restartable; re-issue
// the query for a second pass. Close is idempotent and called automatically
// once Next returns false.
type Cursor[T any] struct {
	query   Query
	next    func() (T, bool, error)
	closeFn func()

	cur    T
	err    error
	closed bool
}

func newCursor[T any](q Query, next func() (T, bool, error), closeFn func()) *Cursor[T] {
	return &Cursor[T]{query: q, next: next, closeFn: closeFn}
}

func (c *Cursor[T]) Next() bool {
	if c == nil || c.closed || c.err != nil {
		return false
	}
	v, ok, err := c.next()
	if err != nil {
		c.err = ingesterr.SourceUnavailable(string(c.query), err)
		c.Close()
		return false
	}
	if !ok {
		c.Close()
		return false
	}
	c.cur = v
	return true
}

func (c *Cursor[T]) Value() T { return c.cur }

// Err reports a query or scan failure as a SourceUnavailable error.
func (c *Cursor[T]) Err() error {
	if c == nil {
		return nil
	}
	return c.err
}

func (c *Cursor[T]) Close() {
	if c == nil || c.closed {
		return
	}
	c.closed = true
	if c.closeFn != nil {
		c.closeFn()
	}
}

// All adapts the cursor to a range-over-func sequence. Check Err after the loop.
func (c *Cursor[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		defer c.Close()
		for c.Next() {
			if !yield(c.Value()) {
				return
			}
		}
	}
}

// Drain reads every remaining row.
func Drain[T any](c *Cursor[T]) ([]T, error) {
	var out []T
	for v := range c.All() {
		out = append(out, v)
	}
	return out, c.Err()
}
