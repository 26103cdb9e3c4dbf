package manager

import (
	"time"

	"github.com/rs/zerolog"

	"servd/internal/handoff"
	"servd/pkg/types"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth    = 32
	defaultMaxWait          = 30 * time.Second
	defaultDrainTimeout     = 5 * time.Second
	defaultReconcileWorkers = 4
)

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	// Catalog lists sources discovered on disk; used when a directive has no source.
	Catalog      []types.Model
	DefaultModel string
	// Per-servable admission
	MaxQueueDepth int
	MaxWait       time.Duration
	// DrainTimeout bounds how long DISABLE/DELETE wait for in-flight users
	// to release a resource before the servable is reported absent.
	DrainTimeout     time.Duration
	ReconcileWorkers int
	// Collaborators. A nil Loader selects the in-process llama loader.
	Loader    Loader
	Resolver  SourceResolver
	Publisher EventPublisher
	Logger    *zerolog.Logger
	// Inference / llama.cpp configuration (no envs; set by callers)
	LlamaCtx     int
	LlamaThreads int
}

// NewWithConfig constructs a Manager from ManagerConfig.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		catalog:      append([]types.Model(nil), cfg.Catalog...),
		defaultModel: cfg.DefaultModel,
		table:        make(map[string]map[int64]*entry),
		loader:       cfg.Loader,
		remote:       cfg.Resolver,
		publisher:    cfg.Publisher,
	}
	// Apply defaults if unset
	m.maxQueueDepth = cfg.MaxQueueDepth
	if m.maxQueueDepth <= 0 {
		m.maxQueueDepth = defaultMaxQueueDepth
	}
	m.maxWait = cfg.MaxWait
	if m.maxWait <= 0 {
		m.maxWait = defaultMaxWait
	}
	m.drainTimeout = cfg.DrainTimeout
	if m.drainTimeout <= 0 {
		m.drainTimeout = defaultDrainTimeout
	}
	m.workers = cfg.ReconcileWorkers
	if m.workers <= 0 {
		m.workers = defaultReconcileWorkers
	}
	if m.loader == nil {
		m.loader = NewLlamaLoader(cfg.LlamaCtx, cfg.LlamaThreads)
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "manager").Logger()
	} else {
		m.log = zerolog.Nop()
	}
	m.startTime = time.Now()
	return m
}

func (m *Manager) newEntry(name string, version int64) *entry {
	e := &entry{
		key:     key{name: name, version: version},
		genCh:   make(chan struct{}, 1),
		queueCh: make(chan struct{}, m.maxQueueDepth),
	}
	e.state.Store(StateAbsent)
	e.updated = time.Now()
	return e
}

// newHandoff returns an empty cell for one instance of e.
func (m *Manager) newHandoff(e *entry) handoff.Handoff[Resource] {
	return handoff.New(func(r Resource) { m.destroyResource(e, r) })
}
