// Package metrics is the MetricsModule. It owns a registry for process-level
// collectors and module states and exposes it together with the default
// registry, where the manager and HTTP layer register their series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"servd/internal/httpapi"
	"servd/internal/modules"
)

var moduleStates = []modules.State{
	modules.StateUninitialized,
	modules.StateStarting,
	modules.StateRunning,
	modules.StateStopping,
	modules.StateStopped,
	modules.StateFailed,
}

// moduleCollector exports one servd_module_state series per module and state,
// set to 1 for the current state.
type moduleCollector struct {
	states func() []modules.NamedState
	desc   *prometheus.Desc
}

func newModuleCollector(states func() []modules.NamedState) *moduleCollector {
	return &moduleCollector{
		states: states,
		desc: prometheus.NewDesc(
			"servd_module_state",
			"Lifecycle state of each registry module (1 for the current state)",
			[]string{"module", "state"}, nil,
		),
	}
}

func (c *moduleCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *moduleCollector) Collect(ch chan<- prometheus.Metric) {
	for _, ns := range c.states() {
		for _, st := range moduleStates {
			v := 0.0
			if ns.State == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, v, ns.Name, string(st))
		}
	}
}

// Module serves the combined gatherer. With a non-empty addr it also runs a
// dedicated listener; otherwise metrics are only reachable through the HTTP
// server's /metrics route.
type Module struct {
	reg      *prometheus.Registry
	gatherer prometheus.Gatherer
	handler  http.Handler
	srv      *httpapi.ServerModule
}

// New builds the module. states may be nil.
func New(addr string, states func() []modules.NamedState) *Module {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "servd"}),
		collectors.NewBuildInfoCollector(),
	)
	if states != nil {
		reg.MustRegister(newModuleCollector(states))
	}
	g := prometheus.Gatherers{prometheus.DefaultGatherer, reg}
	m := &Module{
		reg:      reg,
		gatherer: g,
		handler:  promhttp.HandlerFor(g, promhttp.HandlerOpts{}),
	}
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.handler)
		m.srv = httpapi.NewServerModule(modules.Metrics, addr, mux)
	}
	return m
}

func (*Module) Name() string { return modules.Metrics }

// Handler exposes the combined registries in the Prometheus text format.
func (m *Module) Handler() http.Handler { return m.handler }

// Gatherer returns the combined gatherer.
func (m *Module) Gatherer() prometheus.Gatherer { return m.gatherer }

// Addr returns the dedicated listener address, or "" when there is none.
func (m *Module) Addr() string {
	if m.srv == nil {
		return ""
	}
	return m.srv.Addr()
}

func (m *Module) Start(ctx context.Context) error {
	httpapi.SetMetricsHandler(m.handler)
	if m.srv != nil {
		return m.srv.Start(ctx)
	}
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	if m.srv != nil {
		return m.srv.Stop(ctx)
	}
	return nil
}
