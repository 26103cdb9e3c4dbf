package desiredstate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"servd/internal/manager"
	"servd/internal/modules"
	"servd/pkg/types"
)

// Reconciler is implemented by *manager.Manager.
type Reconciler interface {
	Reconcile(ctx context.Context, desired []types.Directive) manager.Report
}

// ModuleConfig configures the ConfigManagerModule.
type ModuleConfig struct {
	// Path of the model config file. Empty disables the module's work.
	Path string
	Vars Vars
	// Schedule is an optional cron expression (standard five fields or
	// descriptors such as "@every 5m") for periodic resync.
	Schedule string
	// Debounce coalesces bursts of file events. Defaults to 200ms.
	Debounce time.Duration
	Logger   *zerolog.Logger
}

// Module is the ConfigManagerModule. It reconciles the manager against the
// model config file at start, again whenever the file changes, and on the
// optional cron schedule.
type Module struct {
	r   func() (Reconciler, error)
	cfg ModuleConfig
	log zerolog.Logger

	cancel  context.CancelFunc
	watcher *fsnotify.Watcher
	cron    *cron.Cron
	wg      sync.WaitGroup

	reloads atomic.Uint64
}

func NewModule(r Reconciler, cfg ModuleConfig) *Module {
	return NewModuleFrom(func() (Reconciler, error) { return r, nil }, cfg)
}

// NewModuleFrom is NewModule with a reconciler looked up on every reload, so
// a pass fails while the reconciler's own module is not running.
func NewModuleFrom(r func() (Reconciler, error), cfg ModuleConfig) *Module {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	if cfg.Path != "" {
		if abs, err := filepath.Abs(cfg.Path); err == nil {
			cfg.Path = abs
		}
	}
	l := zerolog.Nop()
	if cfg.Logger != nil {
		l = cfg.Logger.With().Str("component", "config_manager").Logger()
	}
	return &Module{r: r, cfg: cfg, log: l}
}

func (*Module) Name() string { return modules.ConfigManager }

// Reloads returns the number of completed reconcile passes.
func (m *Module) Reloads() uint64 { return m.reloads.Load() }

// Start runs the initial reconcile. A file that cannot be read or decoded
// fails the start; later reload errors are logged and keep the current state.
func (m *Module) Start(ctx context.Context) error {
	if m.cfg.Path == "" {
		m.log.Info().Msg("no model config file; servables are managed through the API only")
		return nil
	}
	if err := m.Reload(ctx); err != nil {
		return err
	}

	bg, cancel := context.WithCancel(context.Background())
	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return err
	}
	// Watch the directory: editors replace files by rename.
	if err := w.Add(filepath.Dir(m.cfg.Path)); err != nil {
		cancel()
		_ = w.Close()
		return err
	}
	var c *cron.Cron
	if m.cfg.Schedule != "" {
		c = cron.New()
		if _, err := c.AddFunc(m.cfg.Schedule, func() { m.reloadLogged(bg, "schedule") }); err != nil {
			cancel()
			_ = w.Close()
			return err
		}
		c.Start()
	}
	m.cancel, m.watcher, m.cron = cancel, w, c
	m.wg.Add(1)
	go m.watch(bg)
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	var errs []error
	if m.cron != nil {
		select {
		case <-m.cron.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	errs = append(errs, m.watcher.Close())
	m.wg.Wait()
	m.cancel = nil
	return errors.Join(errs...)
}

// Reload reads the file and reconciles the manager against it.
func (m *Module) Reload(ctx context.Context) error {
	desired, err := Load(m.cfg.Path, m.cfg.Vars)
	if err != nil {
		return err
	}
	r, err := m.r()
	if err != nil {
		return err
	}
	report := r.Reconcile(ctx, desired)
	m.reloads.Add(1)
	for _, o := range report.Failed() {
		m.log.Warn().Str("servable", o.Name).Int64("version", o.Version).Str("action", o.Action.String()).Err(o.Err).Msg("directive failed")
	}
	m.log.Info().Int("servables", len(desired)).Int("failed", len(report.Failed())).Msg("model config applied")
	return nil
}

func (m *Module) reloadLogged(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	if err := m.Reload(ctx); err != nil {
		m.log.Error().Err(err).Str("trigger", trigger).Msg("model config reload failed; keeping current state")
	}
}

func (m *Module) watch(ctx context.Context) {
	defer m.wg.Done()
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != m.cfg.Path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.cfg.Debounce)
			} else {
				timer.Reset(m.cfg.Debounce)
			}
			fire = timer.C
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn().Err(err).Msg("watch error")
		case <-fire:
			fire = nil
			m.reloadLogged(ctx, "file")
		}
	}
}
