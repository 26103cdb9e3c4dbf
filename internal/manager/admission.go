package manager

import (
	"context"
	"time"
)

// beginGeneration admits one request to a served entry: it takes a queue slot
// and then the entry's single generation slot, waiting at most maxWait for
// both together. The returned release must be called when generation ends.
func (m *Manager) beginGeneration(ctx context.Context, sv Servable) (func(), error) {
	noop := func() {}
	e := sv.e
	if e == nil || e.State() != StateServed {
		return noop, servableNotFoundError{name: sv.Name, version: sv.Version}
	}
	if err := ctx.Err(); err != nil {
		return noop, err
	}
	busy := tooBusyError{servable: sv.Name + ":" + itoa64(sv.Version)}
	deadline := time.NewTimer(m.maxWait)
	defer deadline.Stop()

	select {
	case e.queueCh <- struct{}{}:
	case <-ctx.Done():
		return noop, ctx.Err()
	case <-deadline.C:
		return noop, busy
	}
	select {
	case e.genCh <- struct{}{}:
		return func() { <-e.genCh; <-e.queueCh }, nil
	case <-ctx.Done():
		<-e.queueCh
		return noop, ctx.Err()
	case <-deadline.C:
		<-e.queueCh
		return noop, busy
	}
}
