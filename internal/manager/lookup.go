package manager

import "servd/internal/handoff"

// Lookup returns a cloned handoff to the best-matching served version of name.
// version is an exact version or Latest. It never blocks on a load: Loading
// and Unloading entries are reported as not found. A not-found error carries
// the recorded load or runtime error of the matching entry, if any.
func (m *Manager) Lookup(name string, version int64) (Servable, error) {
	m.mu.RLock()
	var (
		best, failed *entry
		h            handoff.Handoff[Resource]
	)
	for v, e := range m.table[name] {
		if version != Latest && v != version {
			continue
		}
		switch e.State() {
		case StateServed:
			cur, ok := e.current()
			if ok && (best == nil || v > best.version) {
				best, h = e, cur
			}
		case StateFailed:
			if failed == nil || v > failed.version {
				failed = e
			}
		}
	}
	var sv Servable
	if best != nil {
		sv = Servable{Name: name, Version: best.version, Handoff: h.Clone(), e: best}
	}
	m.mu.RUnlock()

	if best == nil {
		lookupsTotal.WithLabelValues("not_found").Inc()
		nf := servableNotFoundError{name: name, version: version}
		if failed != nil {
			nf.cause = failed.lastError()
		}
		return Servable{}, nf
	}
	lookupsTotal.WithLabelValues("found").Inc()
	return sv, nil
}

// LastError returns the error recorded for (name, version), if the entry exists.
func (m *Manager) LastError(name string, version int64) error {
	e := m.get(name, version)
	if e == nil {
		return nil
	}
	return e.lastError()
}

// StateOf returns the current state of (name, version); absent when not in the table.
func (m *Manager) StateOf(name string, version int64) State {
	e := m.get(name, version)
	if e == nil {
		return StateAbsent
	}
	return e.State()
}
