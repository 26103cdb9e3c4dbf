package manager

import (
	"context"

	"servd/internal/modules"
)

// Module runs a Manager as the ServableManagerModule.
type Module struct {
	M *Manager
}

func NewModule(m *Manager) *Module { return &Module{M: m} }

func (*Module) Name() string { return modules.ServableManager }

// Start marks the manager ready. Servables are enabled later by directives.
func (mod *Module) Start(context.Context) error {
	mod.M.SetReady(true)
	return nil
}

// Stop deletes every servable, waiting for in-flight requests up to the drain
// timeout of each.
func (mod *Module) Stop(ctx context.Context) error {
	mod.M.UnloadAll(ctx)
	return nil
}

// FromRegistry returns a lookup of the manager run by reg's
// ServableManagerModule. The lookup fails with a dependency-unavailable error
// whenever that module is not running.
func FromRegistry(reg *modules.Registry) func() (*Manager, error) {
	return func() (*Manager, error) {
		mod, ok := reg.Get(modules.ServableManager)
		if !ok {
			return nil, ErrDependencyUnavailable(modules.ServableManager + " is " + string(reg.State(modules.ServableManager)))
		}
		mm, ok := mod.(*Module)
		if !ok || mm.M == nil {
			return nil, ErrDependencyUnavailable(modules.ServableManager + " has no manager")
		}
		return mm.M, nil
	}
}
