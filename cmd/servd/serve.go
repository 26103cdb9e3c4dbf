package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"servd/internal/config"
	"servd/internal/desiredstate"
	"servd/internal/events"
	"servd/internal/httpapi"
	"servd/internal/logging"
	"servd/internal/manager"
	"servd/internal/metrics"
	"servd/internal/modules"
	"servd/internal/pull"
	"servd/internal/registry"
	"servd/internal/wsapi"
	"servd/pkg/types"
)

// serveFlags holds command line overrides. Zero values leave the file or
// default value in place.
type serveFlags struct {
	configPath  string
	cfg         config.Config
	corsOrigins string
	corsMethods string
	corsHeaders string
}

func (f *serveFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "Path to a config file (.yaml, .json, .toml)")
	fl.StringVar(&f.cfg.Addr, "addr", "", "HTTP listen address (default :8080 or SERVD_ADDR)")
	fl.StringVar(&f.cfg.WSAddr, "ws-addr", "", "WebSocket listen address; empty disables the WebSocket frontend")
	fl.StringVar(&f.cfg.MetricsAddr, "metrics-addr", "", "Dedicated metrics listen address; /metrics is always served on --addr")
	fl.StringVar(&f.cfg.ModelsDir, "models-dir", "", "Directory scanned for <name>/<version>/ sources and *.gguf files")
	fl.StringVar(&f.cfg.ModelConfigPath, "model-config", "", "Desired-state file (.yaml, .json, .toml, .hcl) reconciled at start and on change")
	fl.StringVar(&f.cfg.ResyncSchedule, "resync-schedule", "", "Cron schedule for periodic reconcile against --model-config")
	fl.StringVar(&f.cfg.DefaultModel, "default-model", "", "Servable used when a request omits the model")
	fl.IntVar(&f.cfg.DrainTimeoutMS, "drain-timeout-ms", 0, "Max wait for in-flight requests when disabling a servable")
	fl.IntVar(&f.cfg.MaxQueueDepth, "max-queue-depth", 0, "Max queued requests per servable before 429")
	fl.IntVar(&f.cfg.MaxWaitMS, "max-wait-ms", 0, "Max time a request waits in a servable queue")
	fl.IntVar(&f.cfg.ReconcileWorkers, "reconcile-workers", 0, "Servables applied concurrently by one reconcile pass")
	fl.StringVar(&f.cfg.LogLevel, "log-level", "", "Log level: debug|info|warn|error")
	fl.StringVar(&f.cfg.LogFormat, "log-format", "", "Log format: json|console")
	fl.BoolVar(&f.cfg.CORSEnabled, "cors-enabled", false, "Enable CORS")
	fl.StringVar(&f.corsOrigins, "cors-origins", "", "Comma-separated allowed origins")
	fl.StringVar(&f.corsMethods, "cors-methods", "", "Comma-separated allowed methods")
	fl.StringVar(&f.corsHeaders, "cors-headers", "", "Comma-separated allowed headers")
	fl.Int64Var(&f.cfg.MaxBodyBytes, "max-body-bytes", 0, "Max JSON request body size")
	fl.Int64Var(&f.cfg.InferTimeoutSeconds, "infer-timeout-seconds", 0, "Per-request inference timeout (0 disables)")
	fl.StringVar(&f.cfg.EventsSink, "events-sink", "", "URL receiving lifecycle events as CloudEvents")
	fl.StringVar(&f.cfg.Pull.Endpoint, "s3-endpoint", "", "S3-compatible endpoint for s3:// sources")
	fl.StringVar(&f.cfg.Pull.Region, "s3-region", "", "Region for s3:// sources")
	fl.StringVar(&f.cfg.Pull.CacheDir, "pull-cache-dir", "", "Local cache for pulled sources")
	fl.IntVar(&f.cfg.LlamaCtx, "llama-ctx", 0, "llama.cpp context size")
	fl.IntVar(&f.cfg.LlamaThreads, "llama-threads", 0, "llama.cpp threads")
	fl.StringVar(&f.cfg.Runtime, "runtime", "", "Model runtime: llama (in-process) or llama-server (one process per servable)")
	fl.StringVar(&f.cfg.LlamaServer.Bin, "llama-bin", "", "llama-server binary; empty discovers it")
	fl.StringVar(&f.cfg.LlamaServer.URL, "llama-server-url", "", "Attach to a running llama-server instead of spawning one")
	fl.IntVar(&f.cfg.LlamaServer.NGL, "llama-ngl", 0, "Layers offloaded to the GPU by llama-server")
	fl.IntVar(&f.cfg.LlamaServer.PortStart, "llama-port-start", 0, "First port tried for llama-server processes")
	fl.IntVar(&f.cfg.LlamaServer.PortEnd, "llama-port-end", 0, "Last port tried for llama-server processes")
}

// resolve layers defaults, the config file and flags, in that order.
func (f *serveFlags) resolve() (config.Config, error) {
	cfg := config.Defaults()
	if f.configPath != "" {
		fileCfg, err := config.Load(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = config.Merge(cfg, fileCfg)
	}
	over := f.cfg
	over.CORSOrigins = splitCSV(f.corsOrigins)
	over.CORSMethods = splitCSV(f.corsMethods)
	over.CORSHeaders = splitCSV(f.corsHeaders)
	// Partial pull flags overlay field by field.
	pc := cfg.Pull
	if over.Pull.Endpoint != "" {
		pc.Endpoint, pc.PathStyle = over.Pull.Endpoint, true
	}
	if over.Pull.Region != "" {
		pc.Region = over.Pull.Region
	}
	if over.Pull.CacheDir != "" {
		pc.CacheDir = over.Pull.CacheDir
	}
	over.Pull = config.PullConfig{}
	cfg = config.Merge(cfg, over)
	cfg.Pull = pc
	return cfg, nil
}

func runServe(cmd *cobra.Command, f *serveFlags) error {
	cfg, err := f.resolve()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

// server is the assembled process: the module registry plus the pieces that
// live outside it.
type server struct {
	log     zerolog.Logger
	reg     *modules.Registry
	mgr     *manager.Manager
	http    *httpapi.ServerModule
	ws      *httpapi.ServerModule
	events  *events.Publisher
	config  *desiredstate.Module
	metrics *metrics.Module
	publish manager.EventPublisher
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// newLoader picks the runtime; nil selects the manager's in-process loader.
func newLoader(cfg config.Config, pub manager.EventPublisher, logger *zerolog.Logger) (manager.Loader, error) {
	switch cfg.Runtime {
	case "", "llama":
		return nil, nil
	case "llama-server":
	default:
		return nil, fmt.Errorf("unknown runtime %q (want llama or llama-server)", cfg.Runtime)
	}
	ls := cfg.LlamaServer
	if ls.URL == "" {
		if rep := manager.CheckLlamaServer(ls.Bin, ""); !rep.LlamaFound {
			logger.Warn().Str("runtime", cfg.Runtime).Str("error", rep.Error).Msg("llama-server binary not found; loads will fail until it is installed")
		}
	}
	return manager.NewLlamaServerLoader(manager.LlamaServerConfig{
		Bin:       ls.Bin,
		Host:      ls.Host,
		PortStart: ls.PortStart,
		PortEnd:   ls.PortEnd,
		CtxSize:   cfg.LlamaCtx,
		Threads:   cfg.LlamaThreads,
		NGL:       ls.NGL,
		ExtraArgs: ls.ExtraArgs,
		BaseURL:   ls.URL,
		APIKey:    ls.APIKey,
		Publisher: pub,
		Logger:    logger,
	}), nil
}

// build wires every module into the registry in start order.
func build(cfg config.Config) (*server, error) {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	httpapi.SetLogger(logger)
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetInferTimeoutSeconds(cfg.InferTimeoutSeconds)
	httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, cfg.CORSMethods, cfg.CORSHeaders)

	catalog, err := registry.LoadDir(cfg.ModelsDir)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Str("models_dir", cfg.ModelsDir).Msg("models directory not found; only explicit sources can be enabled")
	} else if err != nil {
		return nil, err
	}
	s := &server{log: logger}

	var pubs manager.MultiPublisher
	if cfg.EventsSink != "" {
		p, err := events.NewHTTP(cfg.EventsSink, events.Options{Logger: &logger})
		if err != nil {
			return nil, err
		}
		s.events = p
		pubs = append(pubs, p)
	}
	s.publish = pubs

	loader, err := newLoader(cfg, pubs, &logger)
	if err != nil {
		return nil, err
	}
	s.mgr = manager.NewWithConfig(manager.ManagerConfig{
		Catalog:          catalog,
		Loader:           loader,
		DefaultModel:     cfg.DefaultModel,
		MaxQueueDepth:    cfg.MaxQueueDepth,
		MaxWait:          ms(cfg.MaxWaitMS),
		DrainTimeout:     ms(cfg.DrainTimeoutMS),
		ReconcileWorkers: cfg.ReconcileWorkers,
		Publisher:        pubs,
		Logger:           &logger,
		LlamaCtx:         cfg.LlamaCtx,
		LlamaThreads:     cfg.LlamaThreads,
	})

	s.reg = modules.NewRegistry(&logger)
	s.reg.SetObserver(func(name string, st modules.State, err error) {
		switch st {
		case modules.StateRunning:
			s.publish.Publish(manager.Event{Name: "module_start", Fields: map[string]any{"module": name}})
		case modules.StateStopped:
			s.publish.Publish(manager.Event{Name: "module_stop", Fields: map[string]any{"module": name}})
		case modules.StateFailed:
			f := map[string]any{"module": name}
			if err != nil {
				f["error"] = err.Error()
			}
			s.publish.Publish(manager.Event{Name: "module_failed", Fields: f})
		}
	})
	httpapi.SetModuleStates(func() []types.ModuleStatus {
		states := s.reg.States()
		out := make([]types.ModuleStatus, 0, len(states))
		for _, ns := range states {
			out = append(out, types.ModuleStatus{Name: ns.Name, State: string(ns.State)})
		}
		return out
	})

	if err := s.reg.Register(manager.NewModule(s.mgr)); err != nil {
		return nil, err
	}

	s.metrics = metrics.New(cfg.MetricsAddr, s.reg.States)
	if err := s.reg.Register(s.metrics, modules.ServableManager); err != nil {
		return nil, err
	}

	resolver, err := pull.NewResolver(pull.NewClient(pull.Options{
		Region:          cfg.Pull.Region,
		Endpoint:        cfg.Pull.Endpoint,
		PathStyle:       cfg.Pull.PathStyle,
		AccessKeyID:     cfg.Pull.AccessKeyID,
		SecretAccessKey: cfg.Pull.SecretAccessKey,
	}), cfg.Pull.CacheDir, &logger)
	if err != nil {
		return nil, err
	}
	if err := s.reg.Register(pull.NewModule(s.mgr, resolver), modules.ServableManager); err != nil {
		return nil, err
	}

	// Frontends reach the manager through the registry, so they answer 503
	// whenever the ServableManagerModule is not running.
	getMgr := manager.FromRegistry(s.reg)
	api := httpapi.Resolve(func() (httpapi.Service, error) {
		m, err := getMgr()
		if err != nil {
			return nil, err
		}
		return m, nil
	})
	s.http = httpapi.NewServerModule(modules.HTTPServer, cfg.Addr, httpapi.NewMux(api))
	s.http.OnFail = s.reg.Fail
	if err := s.reg.Register(s.http, modules.ServableManager, modules.Metrics); err != nil {
		return nil, err
	}

	if cfg.WSAddr != "" {
		h := wsapi.NewHandler(api, wsapi.Config{Logger: &logger})
		s.ws = httpapi.NewServerModule(modules.WebSocketServer, cfg.WSAddr, h.Mux())
		s.ws.OnFail = s.reg.Fail
		if err := s.reg.Register(s.ws, modules.ServableManager); err != nil {
			return nil, err
		}
	}

	s.config = desiredstate.NewModuleFrom(func() (desiredstate.Reconciler, error) {
		m, err := getMgr()
		if err != nil {
			return nil, err
		}
		return m, nil
	}, desiredstate.ModuleConfig{
		Path:     cfg.ModelConfigPath,
		Vars:     desiredstate.Vars{ModelsDir: cfg.ModelsDir},
		Schedule: cfg.ResyncSchedule,
		Logger:   &logger,
	})
	if err := s.reg.Register(s.config, modules.ServableManager, modules.HfPullModel); err != nil {
		return nil, err
	}
	return s, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	s, err := build(cfg)
	if err != nil {
		return err
	}
	httpapi.SetBaseContext(ctx)
	if err := s.reg.StartAll(ctx); err != nil {
		var se *modules.StartError
		if errors.As(err, &se) {
			s.log.Error().Str("module", se.Module).Err(se.Err).Msg("startup failed")
		}
		s.closeEvents()
		return err
	}
	s.log.Info().Str("addr", s.http.Addr()).Str("models_dir", cfg.ModelsDir).Bool("llama", manager.LlamaBuilt()).Msg("servd started")

	<-ctx.Done()
	s.log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.reg.StopAll(sctx)
	s.closeEvents()
	return nil
}

func (s *server) closeEvents() {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.events.Close(ctx); err != nil {
		s.log.Warn().Err(err).Msg("event sink close")
	}
}
