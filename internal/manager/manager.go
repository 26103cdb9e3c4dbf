package manager

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"servd/pkg/types"
)

// Manager is the servable reconciler: it owns the table of servables and
// applies desired-state actions against it while requests read it.
type Manager struct {
	// mu guards the table maps only. It is never held across a load,
	// an unload or a drain wait.
	mu    sync.RWMutex
	table map[string]map[int64]*entry

	catalogMu    sync.RWMutex
	catalog      []types.Model
	defaultModel string

	// reconcileMu serializes full reconcile passes.
	reconcileMu sync.Mutex

	loader    Loader
	remoteMu  sync.RWMutex
	remote    SourceResolver
	publisher EventPublisher
	log       zerolog.Logger

	// Queue config
	maxQueueDepth int
	maxWait       time.Duration
	drainTimeout  time.Duration
	workers       int

	ready     atomic.Bool
	startTime time.Time

	loadsTotal        atomic.Uint64
	loadFailuresTotal atomic.Uint64
}

// New constructs a Manager over a catalog with a loader.
func New(catalog []types.Model, loader Loader, defaultModel string) *Manager {
	// Delegate to NewWithConfig to centralize defaults and option parsing
	return NewWithConfig(ManagerConfig{
		Catalog:      catalog,
		Loader:       loader,
		DefaultModel: defaultModel,
	})
}

// SetReady marks the manager as able to serve lookups (module started).
func (m *Manager) SetReady(v bool) { m.ready.Store(v) }

// Ready reports whether the owning module is running.
func (m *Manager) Ready() bool { return m.ready.Load() }

// LlamaBuilt reports whether the binary carries the in-process llama runtime.
func LlamaBuilt() bool { return llamaBuilt }

// ListModels returns the catalog.
func (m *Manager) ListModels() []types.Model {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	// return a shallow copy to avoid external mutation
	out := make([]types.Model, len(m.catalog))
	copy(out, m.catalog)
	return out
}

// SetCatalog replaces the catalog, e.g. after a rescan of the models directory.
// Already served resources are not affected.
func (m *Manager) SetCatalog(models []types.Model) {
	m.catalogMu.Lock()
	m.catalog = append([]types.Model(nil), models...)
	m.catalogMu.Unlock()
}

// SetSourceResolver installs the resolver for remote source descriptors.
func (m *Manager) SetSourceResolver(r SourceResolver) {
	m.remoteMu.Lock()
	m.remote = r
	m.remoteMu.Unlock()
}

// SetPublisher replaces the event publisher.
func (m *Manager) SetPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

func (m *Manager) publish(e Event) {
	m.mu.RLock()
	p := m.publisher
	m.mu.RUnlock()
	p.Publish(e)
}

// get returns the entry for (name, version) or nil.
func (m *Manager) get(name string, version int64) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.table[name][version]
}

// getOrCreate returns the entry for (name, version), inserting an Absent one.
func (m *Manager) getOrCreate(name string, version int64) *entry {
	if e := m.get(name, version); e != nil {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.table[name]
	if versions == nil {
		versions = make(map[int64]*entry)
		m.table[name] = versions
	}
	if e := versions[version]; e != nil {
		return e
	}
	e := m.newEntry(name, version)
	versions[version] = e
	return e
}

// remove drops e from the table. Caller holds e.mu.
func (m *Manager) remove(e *entry) {
	m.mu.Lock()
	if versions := m.table[e.name]; versions != nil && versions[e.version] == e {
		delete(versions, e.version)
		if len(versions) == 0 {
			delete(m.table, e.name)
		}
	}
	m.mu.Unlock()
	e.removed = true
}

// entries returns a stable-ordered snapshot of the table.
func (m *Manager) entries() []*entry {
	m.mu.RLock()
	out := make([]*entry, 0, len(m.table))
	for _, versions := range m.table {
		for _, e := range versions {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].name != out[j].name {
			return out[i].name < out[j].name
		}
		return out[i].version < out[j].version
	})
	return out
}

// versionsOf returns the table versions currently known for name.
func (m *Manager) versionsOf(name string) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.table[name]))
	for v := range m.table[name] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
