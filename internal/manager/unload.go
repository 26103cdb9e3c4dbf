package manager

import (
	"context"
	"sync"

	"servd/pkg/types"
)

// UnloadAll deletes every servable, in parallel, waiting for each to drain.
// Used on shutdown after the frontends stopped taking requests.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.SetReady(false)
	var wg sync.WaitGroup
	for _, e := range m.entries() {
		wg.Add(1)
		go func(name string, version int64) {
			defer wg.Done()
			_, _ = m.applyDirective(ctx, types.Directive{Name: name, Version: version, Action: types.ActionDelete})
		}(e.name, e.version)
	}
	wg.Wait()
}
