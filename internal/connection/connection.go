// Package connection lets request-handling code learn that the client which
// originated a request has gone away. Transports implement Lifecycle; the
// request path only polls it or registers a cancellation callback.
package connection

import (
	"net/http"
	"sync"
	"sync/atomic"
)

// Lifecycle reports the state of a request's originating connection.
type Lifecycle interface {
	// IsDisconnected polls the current status. It never blocks.
	IsDisconnected() bool
	// OnDisconnect registers the single disconnect callback. It returns false
	// if a callback was already registered. If the connection is already gone
	// the callback runs immediately on the caller's goroutine.
	OnDisconnect(cb func()) bool
}

// Tracker is the transport-independent part of a Lifecycle. Transports call
// Disconnect from their own goroutine; the request path calls Complete when it
// is done with the request.
type Tracker struct {
	// state holds the disconnected, completed and fired bits. Every change
	// is a single CAS so that Complete and the callback never both win.
	state      atomic.Uint32
	registered atomic.Bool

	mu sync.Mutex
	cb func()
}

const (
	bitDisconnected uint32 = 1 << iota
	bitCompleted
	bitFired
)

// set ORs bits into the state unless one of the stop bits is already set.
// It reports whether the state changed.
func (t *Tracker) set(bits, stop uint32) bool {
	for {
		s := t.state.Load()
		if s&stop != 0 || s&bits == bits {
			return false
		}
		if t.state.CompareAndSwap(s, s|bits) {
			return true
		}
	}
}

// NewTracker returns a tracker for one in-flight request.
func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) IsDisconnected() bool { return t.state.Load()&bitDisconnected != 0 }

func (t *Tracker) OnDisconnect(cb func()) bool {
	if cb == nil || !t.registered.CompareAndSwap(false, true) {
		return false
	}
	t.mu.Lock()
	t.cb = cb
	t.mu.Unlock()
	if t.IsDisconnected() {
		t.fire()
	}
	return true
}

// Disconnect marks the connection as gone and runs the callback once, unless
// the request has already completed.
func (t *Tracker) Disconnect() {
	if !t.set(bitDisconnected, 0) {
		return
	}
	t.fire()
}

// Complete marks the request as finished. Once it returns, the callback
// either has already been started or never runs.
func (t *Tracker) Complete() { t.set(bitCompleted, 0) }

func (t *Tracker) fire() {
	t.mu.Lock()
	cb := t.cb
	t.mu.Unlock()
	if cb == nil || !t.set(bitFired, bitCompleted|bitFired) {
		return
	}
	cb()
}

// HTTP tracks an HTTP request; the connection counts as gone once the request
// context is canceled by net/http.
type HTTP struct {
	*Tracker
	stop chan struct{}
	once sync.Once
}

// FromHTTPRequest starts watching r's context. Call Complete when the handler
// returns to release the watcher.
func FromHTTPRequest(r *http.Request) *HTTP {
	h := &HTTP{Tracker: NewTracker(), stop: make(chan struct{})}
	ctx := r.Context()
	go func() {
		select {
		case <-ctx.Done():
			h.Disconnect()
		case <-h.stop:
		}
	}()
	return h
}

// Complete marks the request finished and stops the context watcher.
func (h *HTTP) Complete() {
	h.Tracker.Complete()
	h.once.Do(func() { close(h.stop) })
}

// Static is a Lifecycle that never disconnects, for in-process callers.
type Static struct{}

func (Static) IsDisconnected() bool { return false }
func (Static) OnDisconnect(func()) bool { return true }
