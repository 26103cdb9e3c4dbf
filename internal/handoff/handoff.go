// Package handoff provides a shared, invalidatable cell around one exclusively
// owned resource.
//
// Many holders may clone a Handoff and pin the current value with GetOrNone.
// A single Invalidate empties the cell for every clone at once. The value is
// destroyed exactly once, when the cell's own reference and every pinned View
// have been released.
package handoff

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrAlreadySet is returned by Set when the cell already holds a value.
var ErrAlreadySet = errors.New("handoff: resource already set")

type holder[T any] struct {
	value T
	// refs counts the cell's own reference plus every live View.
	refs    atomic.Int64
	destroy func(T)
	freed   chan struct{}
}

// acquire pins the holder unless it has already dropped to zero.
func (h *holder[T]) acquire() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *holder[T]) release() {
	if h.refs.Add(-1) != 0 {
		return
	}
	if h.destroy != nil {
		h.destroy(h.value)
	}
	close(h.freed)
}

type cell[T any] struct {
	cur     atomic.Pointer[holder[T]]
	destroy func(T)
}

// Handoff is a cheap, copyable handle to a shared cell.
type Handoff[T any] struct {
	c *cell[T]
}

// New returns an empty handoff. destroy may be nil.
func New[T any](destroy func(T)) Handoff[T] {
	return Handoff[T]{c: &cell[T]{destroy: destroy}}
}

// Set stores v as the owned resource.
func (h Handoff[T]) Set(v T) error {
	nh := &holder[T]{value: v, destroy: h.c.destroy, freed: make(chan struct{})}
	nh.refs.Store(1)
	if !h.c.cur.CompareAndSwap(nil, nh) {
		return ErrAlreadySet
	}
	return nil
}

// GetOrNone pins the current value. The returned View keeps the value alive
// until Release, even if the cell is invalidated meanwhile.
func (h Handoff[T]) GetOrNone() (*View[T], bool) {
	if h.c == nil {
		return nil, false
	}
	cur := h.c.cur.Load()
	if cur == nil || !cur.acquire() {
		return nil, false
	}
	// Invalidate may have swapped the cell between Load and acquire.
	if h.c.cur.Load() != cur {
		cur.release()
		return nil, false
	}
	return &View[T]{h: cur}, true
}

// Present reports whether the cell currently holds a value.
func (h Handoff[T]) Present() bool {
	return h.c != nil && h.c.cur.Load() != nil
}

// Invalidate empties the cell and drops the cell's reference. The returned
// channel is closed once the value has been destroyed. Calling Invalidate on
// an empty cell returns an already-closed channel.
func (h Handoff[T]) Invalidate() <-chan struct{} {
	if h.c == nil {
		return closedCh
	}
	old := h.c.cur.Swap(nil)
	if old == nil {
		return closedCh
	}
	old.release()
	return old.freed
}

// Clone returns a handle sharing the same cell.
func (h Handoff[T]) Clone() Handoff[T] { return h }

// Same reports whether two handles share one cell.
func (h Handoff[T]) Same(o Handoff[T]) bool { return h.c == o.c }

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// View is a pinned reference to a resource.
type View[T any] struct {
	h    *holder[T]
	once sync.Once
}

// Value returns the pinned resource. It stays valid until Release.
func (v *View[T]) Value() T { return v.h.value }

// Release unpins the resource. Safe to call more than once.
func (v *View[T]) Release() {
	v.once.Do(v.h.release)
}
