package manager

import (
	"context"
	"sync"

	"servd/pkg/types"
)

// Reconcile drives the table towards desired. Servables present in the table
// but absent from desired are deleted. A servable named by a directive that is
// rejected (an unknown action, a bad policy) keeps its current state: every
// version when the directive names none, else the named version. Each servable
// is applied independently and concurrently; a failure is recorded in its
// outcome and never aborts the pass. Full passes are serialized with each
// other.
func (m *Manager) Reconcile(ctx context.Context, desired []types.Directive) Report {
	m.reconcileMu.Lock()
	defer m.reconcileMu.Unlock()

	ctx, span := startPassSpan(ctx, len(desired))
	defer span.End()

	var (
		plan   []types.Directive
		report Report
		index  = make(map[key]int)
		// kept holds servables of rejected directives; keptNames the names of
		// rejected directives without a version.
		kept      = make(map[key]bool)
		keptNames = make(map[string]bool)
	)
	for _, d := range desired {
		targets, err := m.expand(d)
		if err != nil {
			if d.Version == 0 {
				keptNames[d.Name] = true
			} else {
				kept[key{name: d.Name, version: d.Version}] = true
			}
			report.Outcomes = append(report.Outcomes, Outcome{Name: d.Name, Version: d.Version, Action: d.Action, State: m.StateOf(d.Name, d.Version), Err: err})
			continue
		}
		for _, t := range targets {
			k := key{name: t.Name, version: t.Version}
			// Later directives for the same servable win.
			if i, ok := index[k]; ok {
				plan[i] = t
				continue
			}
			index[k] = len(plan)
			plan = append(plan, t)
		}
	}
	for _, e := range m.entries() {
		if _, ok := index[e.key]; ok || kept[e.key] || keptNames[e.name] {
			continue
		}
		index[e.key] = len(plan)
		plan = append(plan, types.Directive{Name: e.name, Version: e.version, Action: types.ActionDelete})
	}

	results := make([]Outcome, len(plan))
	sem := make(chan struct{}, m.workers)
	var wg sync.WaitGroup
	for i, d := range plan {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, d types.Directive) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i], _ = m.applyDirective(ctx, d)
		}(i, d)
	}
	wg.Wait()
	report.Outcomes = append(report.Outcomes, results...)

	failed := len(report.Failed())
	m.log.Info().Str("event", "reconcile_done").Int("applied", len(plan)).Int("failed", failed).Msg("reconcile pass")
	m.publish(Event{Name: "reconcile_done", Fields: map[string]any{"applied": len(plan), "failed": failed}})
	return report
}
