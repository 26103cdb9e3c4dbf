package manager

import (
	"context"

	"github.com/google/uuid"

	"servd/pkg/types"
)

// Submit applies a directive in the background and returns an operation ID.
// Callers can poll Status() to observe state transitions; the ID is attached
// to the directive_done event.
func (m *Manager) Submit(d types.Directive) (string, error) {
	if _, err := m.expand(d); err != nil {
		return "", err
	}
	op := uuid.NewString()
	go func(opID string) {
		// Use a detached context so background work isn't canceled when the
		// caller context is canceled.
		outs, err := m.Apply(context.Background(), d)
		fields := map[string]any{"op_id": opID, "action": d.Action.String(), "applied": len(outs)}
		if err != nil {
			fields["error"] = err.Error()
		}
		m.publish(Event{Name: "directive_done", Servable: d.Name, Version: d.Version, Fields: fields})
	}(op)
	return op, nil
}
