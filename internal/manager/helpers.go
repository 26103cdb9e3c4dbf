package manager

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"servd/internal/common/fsutil"
	"servd/pkg/types"
)

// Helper: find the catalog source for (name, version).
func (m *Manager) catalogModel(name string, version int64) (types.Model, bool) {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	for _, mdl := range m.catalog {
		if mdl.Name == name && mdl.Version == version {
			return mdl, true
		}
	}
	return types.Model{}, false
}

// Helper: catalog versions of name, ascending.
func (m *Manager) catalogVersions(name string) []int64 {
	m.catalogMu.RLock()
	defer m.catalogMu.RUnlock()
	var out []int64
	for _, mdl := range m.catalog {
		if mdl.Name == name {
			out = append(out, mdl.Version)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// resolvePath maps a directive source (or, if empty, the catalog entry) to a
// local path for the loader.
func (m *Manager) resolvePath(ctx context.Context, name string, version int64, source string) (string, error) {
	if source == "" {
		mdl, ok := m.catalogModel(name, version)
		if !ok {
			return "", fmt.Errorf("no source for %s version %d in models directory", name, version)
		}
		return mdl.Path, nil
	}
	if scheme, rest, ok := strings.Cut(source, "://"); ok && scheme != "file" {
		m.remoteMu.RLock()
		r := m.remote
		m.remoteMu.RUnlock()
		if r == nil {
			return "", ErrDependencyUnavailable("no resolver for " + scheme + " sources")
		}
		return r.Resolve(ctx, source)
	} else if ok {
		source = rest
	}
	p, err := fsutil.ExpandHome(source)
	if err != nil {
		return "", err
	}
	return filepath.Abs(p)
}
