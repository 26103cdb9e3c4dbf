package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"servd/internal/handoff"
	"servd/pkg/types"
)

// State represents the lifecycle state of one servable.
type State string

const (
	StateAbsent    State = "absent"
	StateLoading   State = "loading"
	StateServed    State = "served"
	StateUnloading State = "unloading"
	StateFailed    State = "failed"
)

// Latest selects the highest served version of a servable.
const Latest int64 = 0

// Servable is the result of a successful Lookup: a cloned handoff to the
// resource of one served (name, version).
type Servable struct {
	Name    string
	Version int64
	Handoff handoff.Handoff[Resource]

	e *entry
}

// Acquire pins the resource for the duration of one call. The caller must
// Release the view.
func (s Servable) Acquire() (*handoff.View[Resource], bool) {
	return s.Handoff.GetOrNone()
}

// Outcome is the result of applying one action to one servable.
type Outcome struct {
	Name    string
	Version int64
	Action  types.ConfigExportAction
	State   State
	Err     error
}

// Report collects the outcomes of one reconcile pass.
type Report struct {
	Outcomes []Outcome
}

// Failed returns the outcomes that carry an error.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

type key struct {
	name    string
	version int64
}

// entry is one row of the servable table.
type entry struct {
	key
	// mu serializes every state transition of this servable. Lookup never takes it.
	mu      sync.Mutex
	removed bool // guarded by mu

	state atomic.Value // State
	// cur is the handoff of the instance loaded by the latest successful
	// ENABLE. Every load gets a fresh cell, so handles cloned from an earlier
	// instance never reach a later one.
	cur atomic.Pointer[handoff.Handoff[Resource]]

	metaMu     sync.RWMutex
	lastAction types.ConfigExportAction
	lastErr    error
	path       string
	updated    time.Time

	// Queueing primitives
	genCh   chan struct{} // size 1: single in-flight generation
	queueCh chan struct{} // buffered: queue slots
}

func (e *entry) State() State {
	s, _ := e.state.Load().(State)
	if s == "" {
		return StateAbsent
	}
	return s
}

func (e *entry) setState(s State) {
	e.state.Store(s)
	e.metaMu.Lock()
	e.updated = time.Now()
	e.metaMu.Unlock()
}

// current returns the handoff of the loaded instance, if any.
func (e *entry) current() (handoff.Handoff[Resource], bool) {
	h := e.cur.Load()
	if h == nil {
		return handoff.Handoff[Resource]{}, false
	}
	return *h, true
}

// detach clears the current instance and invalidates its handoff. The
// returned channel is closed once the resource has been destroyed.
func (e *entry) detach() <-chan struct{} {
	h := e.cur.Swap(nil)
	if h == nil {
		return handoff.Handoff[Resource]{}.Invalidate()
	}
	return h.Invalidate()
}

func (e *entry) lastError() error {
	e.metaMu.RLock()
	defer e.metaMu.RUnlock()
	return e.lastErr
}

func (e *entry) setLastError(err error) {
	e.metaMu.Lock()
	e.lastErr = err
	e.metaMu.Unlock()
}

func (e *entry) setLastAction(a types.ConfigExportAction) {
	e.metaMu.Lock()
	e.lastAction = a
	e.metaMu.Unlock()
}
