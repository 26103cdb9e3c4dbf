package pull

import (
	"context"

	"servd/internal/manager"
	"servd/internal/modules"
)

// ResolverSetter is implemented by *manager.Manager.
type ResolverSetter interface {
	SetSourceResolver(manager.SourceResolver)
}

// Module is the HfPullModelModule: while running, directive sources with a
// remote scheme are resolved through it.
type Module struct {
	target   ResolverSetter
	resolver manager.SourceResolver
}

func NewModule(target ResolverSetter, r manager.SourceResolver) *Module {
	return &Module{target: target, resolver: r}
}

func (*Module) Name() string { return modules.HfPullModel }

func (m *Module) Start(context.Context) error {
	m.target.SetSourceResolver(m.resolver)
	return nil
}

func (m *Module) Stop(context.Context) error {
	m.target.SetSourceResolver(nil)
	return nil
}
