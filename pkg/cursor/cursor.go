// Package cursor provides a lazy traversal over sequences that have no stored
// length: tables terminated by a sentinel record, variable-stride block chains
// and OS-owned linked lists.
package cursor

// Cursor walks a sequence element by element. It is driven like
// bufio.Scanner:
//
//	for c.Next() {
//		v := c.Value()
//	}
//	if err := c.Err(); err != nil { ... }
//
// The sentinel predicate is applied to every element including the first one,
// so an empty table yields nothing. A Cursor is restartable with Reset.
type Cursor[T any] struct {
	first   func() (T, error)
	advance func(T) (T, error)
	stop    func(T) bool

	cur     T
	started bool
	done    bool
	err     error
}

// New returns a cursor that starts at first(), moves with advance and ends at
// the first element for which stop reports true.
func New[T any](first func() (T, error), advance func(T) (T, error), stop func(T) bool) *Cursor[T] {
	return &Cursor[T]{first: first, advance: advance, stop: stop}
}

// Empty returns a cursor that yields nothing.
func Empty[T any]() *Cursor[T] {
	return &Cursor[T]{done: true}
}

// Failed returns a cursor that yields nothing and reports err.
func Failed[T any](err error) *Cursor[T] {
	return &Cursor[T]{done: true, err: err}
}

// Next moves to the next element and reports whether there is one.
func (c *Cursor[T]) Next() bool {
	if c.done {
		return false
	}

	var (
		v   T
		err error
	)
	if !c.started {
		c.started = true
		v, err = c.first()
	} else {
		v, err = c.advance(c.cur)
	}
	if err != nil {
		c.err = err
		c.done = true
		return false
	}
	if c.stop(v) {
		c.done = true
		return false
	}

	c.cur = v
	return true
}

// Value returns the current element. It is only meaningful after Next
// returned true.
func (c *Cursor[T]) Value() T {
	return c.cur
}

// Err returns the error that ended the traversal early, if any.
func (c *Cursor[T]) Err() error {
	return c.err
}

// Reset rewinds the cursor to the start of the sequence.
func (c *Cursor[T]) Reset() {
	if c.first == nil {
		return
	}
	var zero T
	c.cur = zero
	c.started = false
	c.done = false
	c.err = nil
}

// Collect drains the cursor into a slice.
func (c *Cursor[T]) Collect() ([]T, error) {
	var out []T
	for c.Next() {
		out = append(out, c.Value())
	}
	return out, c.Err()
}
