package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"servd/pkg/types"
)

// fakeLoader is a lightweight in-memory loader used for tests.
type fakeLoader struct {
	mu       sync.Mutex
	loads    int
	unloads  int
	fail     map[string]error
	block    chan struct{} // when set, Load waits for it to close
	started  chan struct{} // when set, receives once per Load call
	paths    []string
	tokens   []string
	genErr   error
	unloaded chan Resource
	delay    time.Duration // when set, Load sleeps this long

	// active counts Load calls in progress; live counts loaded, not yet
	// unloaded resources. max* record the peaks.
	active, maxActive int
	live, maxLive     int
	gone              map[int]bool
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{fail: map[string]error{}, gone: map[int]bool{}, tokens: []string{"Hello", ",", " world"}}
}

func (f *fakeLoader) Load(ctx context.Context, name string, version int64, path string) (Resource, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	f.mu.Lock()
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, path)
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	f.loads++
	f.live++
	f.maxLive = max(f.maxLive, f.live)
	return &fakeResource{id: f.loads, name: name, version: version, f: f}, nil
}

func (f *fakeLoader) Unload(r Resource) error {
	f.mu.Lock()
	f.unloads++
	f.live--
	if fr, ok := r.(*fakeResource); ok {
		f.gone[fr.id] = true
	}
	f.mu.Unlock()
	if f.unloaded != nil {
		f.unloaded <- r
	}
	return nil
}

func (f *fakeLoader) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads, f.unloads
}

func (f *fakeLoader) peaks() (active, live int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive, f.maxLive
}

func (f *fakeLoader) isUnloaded(id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gone[id]
}

func (f *fakeLoader) setFail(name string, err error) {
	f.mu.Lock()
	f.fail[name] = err
	f.mu.Unlock()
}

type fakeResource struct {
	id      int
	name    string
	version int64
	f       *fakeLoader
}

func (r *fakeResource) Generate(ctx context.Context, prompt string, params InferParams, onToken func(string) error) (FinalResult, error) {
	if r.f.genErr != nil {
		return FinalResult{}, r.f.genErr
	}
	for _, t := range r.f.tokens {
		select {
		case <-ctx.Done():
			return FinalResult{}, ctx.Err()
		default:
		}
		if err := onToken(t); err != nil {
			return FinalResult{}, err
		}
	}
	return FinalResult{FinishReason: "stop"}, nil
}

func newTestManager(t *testing.T, l *fakeLoader, catalog ...types.Model) (*Manager, *MemoryPublisher) {
	t.Helper()
	pub := NewMemoryPublisher()
	m := NewWithConfig(ManagerConfig{
		Catalog:       catalog,
		Loader:        l,
		Publisher:     pub,
		DrainTimeout:  200 * time.Millisecond,
		MaxQueueDepth: 2,
		MaxWait:       200 * time.Millisecond,
	})
	m.SetReady(true)
	return m, pub
}

func enable(name string, version int64) types.Directive {
	return types.Directive{Name: name, Version: version, Action: types.ActionEnable, Source: "/models/" + name}
}

var errBoom = errors.New("boom")

// errWriter writes once, then returns an error on subsequent writes.
type errWriter struct{ wrote int }

func (e *errWriter) Write(p []byte) (int, error) {
	if e.wrote == 0 {
		e.wrote += len(p)
		return len(p), nil
	}
	return 0, errors.New("write fail")
}
