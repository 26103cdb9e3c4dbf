// Package modules runs the server's long-lived components in a fixed start
// order and stops them in reverse.
package modules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Stable module names.
const (
	ServableManager   = "ServableManagerModule"
	Metrics           = "MetricsModule"
	HTTPServer        = "HTTPServerModule"
	GRPCServer        = "GRPCServerModule"
	WebSocketServer   = "WebSocketServerModule"
	HfPullModel       = "HfPullModelModule"
	PythonInterpreter = "PythonInterpreterModule"
	CAPI              = "CAPIModule"
	ConfigManager     = "ConfigManagerModule"
	Profiler          = "ProfilerModule"
)

// Module is one independently startable component.
type Module interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// State is the lifecycle state of a registered module.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateFailed        State = "failed"
)

var (
	ErrAlreadyStarted    = errors.New("registry already started")
	ErrDuplicateModule   = errors.New("module already registered")
	ErrDependencyMissing = errors.New("module depends on unregistered module")
	ErrUnnamedModule     = errors.New("module has no name")
)

// StartError reports the module whose Start failed. Modules started before it
// have been stopped again when StartAll returns it.
type StartError struct {
	Module string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start module %s: %v", e.Module, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Observer is notified after every state change.
type Observer func(name string, state State, err error)

type slot struct {
	module    Module
	dependsOn []string
	state     State
}

// Registry owns the modules and their states. The zero value is not usable;
// call NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	slots   []*slot
	byName  map[string]*slot
	started bool
	// running lists modules in the order they reached Running.
	running []*slot

	log      zerolog.Logger
	observer Observer
}

// NewRegistry returns an empty registry. A nil logger disables logging.
func NewRegistry(logger *zerolog.Logger) *Registry {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Registry{byName: make(map[string]*slot), log: l}
}

// SetObserver installs fn as the state change observer. Not safe to call
// concurrently with StartAll or StopAll.
func (r *Registry) SetObserver(fn Observer) { r.observer = fn }

// Register adds m. Every dependency must already be registered, so the
// registration order is a valid start order.
func (r *Registry) Register(m Module, dependsOn ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	name := m.Name()
	if name == "" {
		return ErrUnnamedModule
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, name)
	}
	for _, d := range dependsOn {
		if _, ok := r.byName[d]; !ok {
			return fmt.Errorf("%w: %s requires %s", ErrDependencyMissing, name, d)
		}
	}
	s := &slot{module: m, dependsOn: append([]string(nil), dependsOn...), state: StateUninitialized}
	r.slots = append(r.slots, s)
	r.byName[name] = s
	return nil
}

// StartAll starts modules one at a time in registration order. On the first
// failure the modules already running are stopped in reverse and a
// *StartError is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	slots := append([]*slot(nil), r.slots...)
	r.mu.Unlock()

	for _, s := range slots {
		name := s.module.Name()
		r.setState(s, StateStarting, nil)
		r.log.Info().Str("module", name).Msg("starting module")
		if err := s.module.Start(ctx); err != nil {
			r.setState(s, StateFailed, err)
			r.log.Error().Str("module", name).Err(err).Msg("module start failed")
			r.StopAll(ctx)
			return &StartError{Module: name, Err: err}
		}
		r.mu.Lock()
		r.running = append(r.running, s)
		r.mu.Unlock()
		r.setState(s, StateRunning, nil)
		r.log.Info().Str("module", name).Msg("module running")
	}
	return nil
}

// StopAll stops every started module in reverse start order. Stop errors are
// logged and never returned. Calling it again is a no-op.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	running := r.running
	r.running = nil
	r.mu.Unlock()

	for i := len(running) - 1; i >= 0; i-- {
		s := running[i]
		name := s.module.Name()
		r.setState(s, StateStopping, nil)
		r.log.Info().Str("module", name).Msg("stopping module")
		if err := s.module.Stop(ctx); err != nil {
			r.log.Error().Str("module", name).Err(err).Msg("module stop failed")
		}
		r.setState(s, StateStopped, nil)
	}
}

// Fail marks a running module as failed after an unrecoverable internal
// error. It does not stop the module.
func (r *Registry) Fail(name string, err error) {
	r.mu.RLock()
	s, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok || r.State(name) != StateRunning {
		return
	}
	r.log.Error().Str("module", name).Err(err).Msg("module failed")
	r.setState(s, StateFailed, err)
}

// Get returns the named module only while it is running.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byName[name]
	if !ok || s.state != StateRunning {
		return nil, false
	}
	return s.module, true
}

// State returns the state of name; unregistered names are uninitialized.
func (r *Registry) State(name string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byName[name]; ok {
		return s.state
	}
	return StateUninitialized
}

// States returns a snapshot of every module state in registration order.
func (r *Registry) States() []NamedState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NamedState, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, NamedState{Name: s.module.Name(), State: s.state})
	}
	return out
}

// NamedState pairs a module name with its state.
type NamedState struct {
	Name  string
	State State
}

func (r *Registry) setState(s *slot, st State, err error) {
	r.mu.Lock()
	s.state = st
	r.mu.Unlock()
	if r.observer != nil {
		r.observer(s.module.Name(), st, err)
	}
}
