package manager

import (
	"context"
	"sort"
	"strings"
	"time"

	"servd/internal/handoff"
	"servd/pkg/types"
)

// Apply applies one management directive. A directive without a version is
// expanded: ENABLE targets the versions its policy selects (the latest catalog
// version by default), DISABLE and DELETE target every version of the name
// currently in the table.
func (m *Manager) Apply(ctx context.Context, d types.Directive) ([]Outcome, error) {
	targets, err := m.expand(d)
	if err != nil {
		return []Outcome{{Name: d.Name, Version: d.Version, Action: d.Action, State: StateAbsent, Err: err}}, err
	}
	out := make([]Outcome, 0, len(targets))
	var firstErr error
	for _, t := range targets {
		o, err := m.applyDirective(ctx, t)
		out = append(out, o)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}

// ApplyAction applies action to exactly one servable.
func (m *Manager) ApplyAction(ctx context.Context, name string, version int64, action types.ConfigExportAction) (Outcome, error) {
	return m.applyDirective(ctx, types.Directive{Name: name, Version: version, Action: action})
}

func validate(d types.Directive) error {
	switch d.Action {
	case types.ActionEnable, types.ActionDisable, types.ActionDelete:
	default:
		return validationError{msg: "unsupported action " + d.Action.String()}
	}
	if strings.TrimSpace(d.Name) == "" {
		return validationError{msg: "servable name is required"}
	}
	if d.Version < 0 {
		return validationError{msg: "version must not be negative"}
	}
	if d.Policy != nil {
		return validatePolicy(d)
	}
	return nil
}

func validatePolicy(d types.Directive) error {
	p := d.Policy
	switch {
	case d.Action != types.ActionEnable:
		return validationError{msg: "a version policy only applies to " + types.ActionEnable.String()}
	case d.Version != 0:
		return validationError{msg: "a version policy excludes an explicit version"}
	case d.Source != "":
		return validationError{msg: "a version policy excludes an explicit source"}
	}
	switch p.Kind() {
	case "latest":
		if p.Latest < 0 {
			return validationError{msg: "policy latest must be positive"}
		}
	case "specific":
		for _, v := range p.Specific {
			if v <= 0 {
				return validationError{msg: "policy versions must be positive"}
			}
		}
	case "all":
	default:
		return validationError{msg: "a version policy sets exactly one of latest, all or specific"}
	}
	return nil
}

func (m *Manager) expand(d types.Directive) ([]types.Directive, error) {
	if err := validate(d); err != nil {
		return nil, err
	}
	if d.Version != 0 {
		return []types.Directive{d}, nil
	}
	if d.Action == types.ActionEnable {
		versions, err := m.policyVersions(d)
		if err != nil {
			return nil, err
		}
		out := make([]types.Directive, 0, len(versions))
		for _, v := range versions {
			t := d
			t.Version = v
			t.Policy = nil
			out = append(out, t)
		}
		return out, nil
	}
	versions := m.versionsOf(d.Name)
	out := make([]types.Directive, 0, len(versions))
	for _, v := range versions {
		t := d
		t.Version = v
		out = append(out, t)
	}
	return out, nil
}

// policyVersions resolves the versions an unversioned ENABLE selects, in
// ascending order.
func (m *Manager) policyVersions(d types.Directive) ([]int64, error) {
	if d.Source != "" {
		return []int64{1}, nil
	}
	if d.Policy != nil && d.Policy.Kind() == "specific" {
		seen := make(map[int64]bool, len(d.Policy.Specific))
		var out []int64
		for _, v := range d.Policy.Specific {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out, nil
	}
	versions := m.catalogVersions(d.Name)
	if len(versions) == 0 {
		return nil, validationError{msg: "no version of " + d.Name + " found in models directory"}
	}
	n := 1
	if d.Policy != nil {
		switch d.Policy.Kind() {
		case "all":
			n = len(versions)
		case "latest":
			n = d.Policy.Latest
		}
	}
	if n < len(versions) {
		versions = versions[len(versions)-n:]
	}
	return versions, nil
}

// applyDirective runs one action against one servable while holding its entry lock.
func (m *Manager) applyDirective(ctx context.Context, d types.Directive) (Outcome, error) {
	out := Outcome{Name: d.Name, Version: d.Version, Action: d.Action, State: StateAbsent}
	if err := validate(d); err != nil {
		out.Err = err
		return out, err
	}
	if d.Version == 0 {
		out.Err = validationError{msg: "version is required"}
		return out, out.Err
	}
	for {
		var e *entry
		if d.Action == types.ActionEnable {
			e = m.getOrCreate(d.Name, d.Version)
		} else if e = m.get(d.Name, d.Version); e == nil {
			// DISABLE/DELETE on an absent servable: no-op.
			return out, nil
		}
		e.mu.Lock()
		if e.removed {
			// Lost a race with DELETE; retry against the current table.
			e.mu.Unlock()
			continue
		}
		var err error
		switch d.Action {
		case types.ActionEnable:
			err = m.enable(ctx, e, d.Source)
		case types.ActionDisable:
			m.disable(ctx, e)
		case types.ActionDelete:
			m.disable(ctx, e)
			m.remove(e)
			m.log.Info().Str("event", "delete").Str("servable", e.name).Int64("version", e.version).Msg("servable removed")
			m.publish(Event{Name: "delete", Servable: e.name, Version: e.version, Fields: map[string]any{}})
			servableState.DeleteLabelValues(e.name, itoa64(e.version))
		}
		e.setLastAction(d.Action)
		if !e.removed {
			out.State = e.State()
		}
		e.mu.Unlock()
		out.Err = err
		return out, err
	}
}

// enable loads e unless it is already served. Caller holds e.mu.
func (m *Manager) enable(ctx context.Context, e *entry, source string) error {
	switch e.State() {
	case StateServed:
		return nil
	case StateAbsent, StateFailed:
	default:
		// Loading/Unloading are only observed while another holder of e.mu
		// is mid-transition, which the lock rules out.
		return nil
	}
	start := time.Now()
	e.setState(StateLoading)
	m.observeState(e)
	m.log.Info().Str("event", "load_start").Str("servable", e.name).Int64("version", e.version).Msg("servable load")
	m.publish(Event{Name: "load_start", Servable: e.name, Version: e.version, Fields: map[string]any{}})

	ctx, span := startSpan(ctx, "servable.load", e)
	defer span.End()

	fail := func(err error) error {
		lerr := loadError{name: e.name, version: e.version, err: err}
		e.setLastError(lerr)
		e.setState(StateFailed)
		m.observeState(e)
		m.loadFailuresTotal.Add(1)
		loadFailuresTotal.WithLabelValues(e.name).Inc()
		recordSpanError(span, err)
		m.log.Error().Str("event", "load_failed").Str("servable", e.name).Int64("version", e.version).Err(err).Msg("servable load failed")
		m.publish(Event{Name: "load_failed", Servable: e.name, Version: e.version, Fields: map[string]any{"error": err.Error()}})
		return lerr
	}

	path, err := m.resolvePath(ctx, e.name, e.version, source)
	if err != nil {
		return fail(err)
	}
	res, err := m.loader.Load(ctx, e.name, e.version, path)
	if err != nil {
		return fail(err)
	}
	if res == nil {
		return fail(ErrDependencyUnavailable("loader returned no resource"))
	}
	if e.cur.Load() != nil {
		// A resource is still attached; never expose two instances.
		_ = m.loader.Unload(res)
		return fail(handoff.ErrAlreadySet)
	}
	h := m.newHandoff(e)
	if err := h.Set(res); err != nil {
		_ = m.loader.Unload(res)
		return fail(err)
	}
	e.cur.Store(&h)
	e.metaMu.Lock()
	e.path = path
	e.lastErr = nil
	e.metaMu.Unlock()
	// Publish Served only after the resource is in the cell.
	e.setState(StateServed)
	m.observeState(e)
	m.loadsTotal.Add(1)
	loadsTotal.WithLabelValues(e.name).Inc()
	loadDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
	m.log.Info().Str("event", "load_done").Str("servable", e.name).Int64("version", e.version).Dur("dur", time.Since(start)).Msg("servable served")
	m.publish(Event{Name: "load_done", Servable: e.name, Version: e.version, Fields: map[string]any{"dur_ms": int(time.Since(start) / time.Millisecond), "path": path}})
	return nil
}

// disable invalidates a served resource and waits, bounded by the drain
// timeout, for in-flight users to release it. Caller holds e.mu.
func (m *Manager) disable(ctx context.Context, e *entry) {
	if e.State() != StateServed {
		return
	}
	e.setState(StateUnloading)
	m.observeState(e)
	m.log.Info().Str("event", "unload_start").Str("servable", e.name).Int64("version", e.version).Msg("servable unload")
	m.publish(Event{Name: "unload_start", Servable: e.name, Version: e.version, Fields: map[string]any{}})

	_, span := startSpan(ctx, "servable.unload", e)
	defer span.End()

	freed := e.detach()
	timer := time.NewTimer(m.drainTimeout)
	defer timer.Stop()
	select {
	case <-freed:
	case <-timer.C:
		// The last view will still unload the resource when it is released.
		m.log.Warn().Str("event", "unload_timeout").Str("servable", e.name).Int64("version", e.version).Int("inflight", len(e.genCh)).Int("queue", len(e.queueCh)).Msg("drain timeout; resource released by last user")
		m.publish(Event{Name: "unload_timeout", Servable: e.name, Version: e.version, Fields: map[string]any{"inflight": len(e.genCh), "queue": len(e.queueCh)}})
	case <-ctx.Done():
		m.log.Warn().Str("event", "unload_canceled").Str("servable", e.name).Int64("version", e.version).Err(ctx.Err()).Msg("drain wait canceled")
	}
	e.setState(StateAbsent)
	m.observeState(e)
	m.publish(Event{Name: "unload_done", Servable: e.name, Version: e.version, Fields: map[string]any{}})
}

// destroyResource runs once per resource, on the goroutine that released the
// last reference.
func (m *Manager) destroyResource(e *entry, r Resource) {
	if err := m.loader.Unload(r); err != nil {
		m.log.Error().Str("event", "unload_error").Str("servable", e.name).Int64("version", e.version).Err(err).Msg("resource unload failed")
		return
	}
	unloadsTotal.WithLabelValues(e.name).Inc()
	m.log.Debug().Str("event", "resource_freed").Str("servable", e.name).Int64("version", e.version).Msg("resource released")
}

// ReportFailure records a runtime failure of the instance sv was looked up
// from: the servable becomes Failed and its handoff is invalidated so new
// lookups stop returning it. A report against an instance that has since been
// unloaded and replaced is ignored. Calls already holding a view finish on
// their own. Callers must release their own view before reporting.
func (m *Manager) ReportFailure(sv Servable, cause error) {
	e := m.get(sv.Name, sv.Version)
	if e == nil {
		return
	}
	name, version := sv.Name, sv.Version
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.State() != StateServed {
		return
	}
	if cur, ok := e.current(); !ok || !cur.Same(sv.Handoff) {
		m.log.Debug().Str("event", "stale_failure").Str("servable", name).Int64("version", version).Msg("failure reported for a replaced instance")
		return
	}
	e.detach()
	e.setLastError(runtimeFailure{err: cause})
	e.setState(StateFailed)
	m.observeState(e)
	m.log.Error().Str("event", "runtime_failure").Str("servable", name).Int64("version", version).Err(cause).Msg("servable failed at runtime")
	m.publish(Event{Name: "runtime_failure", Servable: name, Version: version, Fields: map[string]any{"error": cause.Error()}})
}
