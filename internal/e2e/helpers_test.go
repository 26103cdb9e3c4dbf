package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"servd/internal/httpapi"
	"servd/internal/manager"
	"servd/internal/registry"
)

// createTempModelsDir creates <dir>/<name>/<version>/model.gguf for each
// name, version pair and returns dir.
func createTempModelsDir(t *testing.T, layout map[string][]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, versions := range layout {
		for _, v := range versions {
			p := filepath.Join(dir, name, v)
			if err := os.MkdirAll(p, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", p, err)
			}
			if err := os.WriteFile(filepath.Join(p, "model.gguf"), nil, 0o644); err != nil {
				t.Fatalf("write model: %v", err)
			}
		}
	}
	return dir
}

// gateLoader loads resources whose generation streams a fixed set of tokens.
// While gate is non-nil each generation waits on it before the last token.
type gateLoader struct {
	mu      sync.Mutex
	gate    chan struct{}
	started chan struct{}
	unloads int
}

type gateResource struct{ l *gateLoader }

func (l *gateLoader) Load(ctx context.Context, name string, version int64, path string) (manager.Resource, error) {
	return &gateResource{l: l}, nil
}

func (l *gateLoader) Unload(manager.Resource) error {
	l.mu.Lock()
	l.unloads++
	l.mu.Unlock()
	return nil
}

func (l *gateLoader) unloadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unloads
}

func (r *gateResource) Generate(ctx context.Context, prompt string, _ manager.InferParams, onToken func(string) error) (manager.FinalResult, error) {
	if err := onToken("Hello"); err != nil {
		return manager.FinalResult{}, err
	}
	r.l.mu.Lock()
	gate, started := r.l.gate, r.l.started
	r.l.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return manager.FinalResult{}, ctx.Err()
		}
	}
	if err := onToken(", world"); err != nil {
		return manager.FinalResult{}, err
	}
	return manager.FinalResult{Content: "Hello, world", FinishReason: "stop"}, nil
}

func newServer(t *testing.T, modelsDir string, cfg manager.ManagerConfig) (*httptest.Server, *manager.Manager) {
	t.Helper()
	catalog, err := registry.NewScanner().Scan(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	cfg.Catalog = catalog
	mgr := manager.NewWithConfig(cfg)
	mgr.SetReady(true)
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(srv.Close)
	return srv, mgr
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}
