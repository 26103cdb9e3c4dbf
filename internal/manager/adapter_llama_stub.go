//go:build !llama

package manager

// This file provides a no-CGO stub for the llama loader. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.
// The real loader lives in adapter_llama.go (tagged 'llama').

import (
	"context"
)

// llamaBuilt indicates this binary was compiled without llama support.
var llamaBuilt = false

// llamaLoader is a stub that satisfies Loader but refuses to load anything
// without the 'llama' build tag.
type llamaLoader struct {
	ctxSize int
	threads int
}

// NewLlamaLoader returns the in-process llama.cpp loader.
func NewLlamaLoader(ctxSize, threads int) Loader {
	return &llamaLoader{ctxSize: ctxSize, threads: threads}
}

func (l *llamaLoader) Load(ctx context.Context, name string, version int64, path string) (Resource, error) {
	// Fail fast: llama runtime not available in this build.
	return nil, ErrDependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (l *llamaLoader) Unload(Resource) error { return nil }
