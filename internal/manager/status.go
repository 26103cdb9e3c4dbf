package manager

import (
	"time"

	"servd/pkg/types"
)

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	now := time.Now()
	resp := types.StatusResponse{
		UptimeSeconds:     int64(now.Sub(m.startTime) / time.Second),
		ServerTimeUnix:    now.Unix(),
		LoadsTotal:        m.loadsTotal.Load(),
		LoadFailuresTotal: m.loadFailuresTotal.Load(),
	}
	entries := m.entries()
	resp.Servables = make([]types.ServableStatus, 0, len(entries))
	for _, e := range entries {
		st := e.State()
		switch st {
		case StateLoading:
			resp.LoadingCount++
		case StateUnloading:
			resp.UnloadingCount++
		}
		resp.Servables = append(resp.Servables, servableStatus(e, st))
	}
	return resp
}

// ServableStatus reports every table version of name.
func (m *Manager) ServableStatus(name string) []types.ServableStatus {
	var out []types.ServableStatus
	for _, e := range m.entries() {
		if e.name == name {
			out = append(out, servableStatus(e, e.State()))
		}
	}
	return out
}

func servableStatus(e *entry, st State) types.ServableStatus {
	e.metaMu.RLock()
	defer e.metaMu.RUnlock()
	s := types.ServableStatus{
		Name:          e.name,
		Version:       e.version,
		State:         string(st),
		LastAction:    e.lastAction.String(),
		Path:          e.path,
		UpdatedUnix:   e.updated.Unix(),
		QueueLen:      len(e.queueCh),
		Inflight:      len(e.genCh),
		MaxQueueDepth: cap(e.queueCh),
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	return s
}
