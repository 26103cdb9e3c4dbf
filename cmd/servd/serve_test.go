package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"servd/internal/config"
	"servd/internal/modules"
	"servd/pkg/types"
)

func TestResolveLayersFileAndFlags(t *testing.T) {
	t.Setenv("SERVD_ADDR", ":9000")
	p := filepath.Join(t.TempDir(), "servd.yaml")
	if err := os.WriteFile(p, []byte("addr: \":9100\"\nlog_level: debug\nmax_queue_depth: 7\npull:\n  region: eu-west-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := serveFlags{configPath: p, corsOrigins: "a, b"}
	f.cfg.LogLevel = "warn"
	f.cfg.Pull.Endpoint = "http://minio:9000"
	cfg, err := f.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9100" {
		t.Fatalf("file should override env, addr=%q", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("flag should override file, log_level=%q", cfg.LogLevel)
	}
	if cfg.MaxQueueDepth != 7 {
		t.Fatalf("max_queue_depth=%d", cfg.MaxQueueDepth)
	}
	if cfg.Pull.Region != "eu-west-1" || cfg.Pull.Endpoint != "http://minio:9000" || !cfg.Pull.PathStyle {
		t.Fatalf("pull=%+v", cfg.Pull)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "b" {
		t.Fatalf("cors origins=%v", cfg.CORSOrigins)
	}

	f = serveFlags{configPath: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := f.resolve(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestApplyPostsDirective(t *testing.T) {
	var got types.Directive
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/config/directives" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		query = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got.Action == types.ActionUnknown {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid directive: unknown action","code":400}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := runApply(context.Background(), &out, applyFlags{server: srv.URL + "/", name: "resnet", version: 2, action: "disable_model", async: true, timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "resnet" || got.Version != 2 || got.Action != types.ActionDisable {
		t.Fatalf("directive=%+v", got)
	}
	if query != "async=1" {
		t.Fatalf("query=%q", query)
	}
	if !strings.Contains(out.String(), "results") {
		t.Fatalf("out=%q", out.String())
	}

	if err := runApply(context.Background(), io.Discard, applyFlags{server: srv.URL, name: "bert", action: "ENABLE_MODEL", latest: 2, timeout: time.Second}); err != nil {
		t.Fatal(err)
	}
	if got.Policy == nil || got.Policy.Kind() != "latest" || got.Policy.Latest != 2 {
		t.Fatalf("policy=%+v", got.Policy)
	}

	err = runApply(context.Background(), io.Discard, applyFlags{server: srv.URL, name: "x", action: "RETIRE", timeout: time.Second})
	if err == nil || !strings.Contains(err.Error(), "unknown action") {
		t.Fatalf("err=%v", err)
	}
}

func TestBuildStartsModulesInOrder(t *testing.T) {
	modelsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(modelsDir, "alpha.gguf"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	desired := filepath.Join(t.TempDir(), "desired.yaml")
	if err := os.WriteFile(desired, []byte("servables:\n  - name: alpha\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Defaults()
	cfg.Addr = "127.0.0.1:0"
	cfg.WSAddr = "127.0.0.1:0"
	cfg.ModelsDir = modelsDir
	cfg.ModelConfigPath = desired
	cfg.LogLevel = "error"

	s, err := build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.reg.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.reg.StopAll(ctx)

	want := []string{
		modules.ServableManager, modules.Metrics, modules.HfPullModel,
		modules.HTTPServer, modules.WebSocketServer, modules.ConfigManager,
	}
	states := s.reg.States()
	if len(states) != len(want) {
		t.Fatalf("states=%v", states)
	}
	for i, ns := range states {
		if ns.Name != want[i] || ns.State != modules.StateRunning {
			t.Fatalf("module %d = %+v, want %s running", i, ns, want[i])
		}
	}

	base := "http://" + s.http.Addr()
	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz=%d", resp.StatusCode)
	}

	// The desired-state file was reconciled at start. Without the llama
	// build tag the load fails and the servable is recorded as failed.
	resp, err = http.Get(base + "/v1/servables/alpha")
	if err != nil {
		t.Fatal(err)
	}
	var st struct {
		Versions []types.ServableStatus `json:"versions"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if len(st.Versions) != 1 || st.Versions[0].LastAction != "ENABLE_MODEL" {
		t.Fatalf("servable status=%+v", st)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), `servd_module_state{module="ConfigManagerModule",state="running"} 1`) {
		t.Fatalf("module state series missing from /metrics")
	}

	// The frontend resolves the manager through the registry on every request.
	s.reg.Fail(modules.ServableManager, errors.New("wedged"))
	resp, err = http.Get(base + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/status with failed manager module=%d", resp.StatusCode)
	}
	if err := s.config.Reload(ctx); err == nil {
		t.Fatal("config reload succeeded with failed manager module")
	}
}

func TestNewLoaderSelectsRuntime(t *testing.T) {
	logger := zerolog.Nop()
	cfg := config.Defaults()
	if l, err := newLoader(cfg, nil, &logger); err != nil || l != nil {
		t.Fatalf("default runtime: loader=%v err=%v", l, err)
	}
	cfg.Runtime = "llama-server"
	cfg.LlamaServer.URL = "http://127.0.0.1:1"
	if l, err := newLoader(cfg, nil, &logger); err != nil || l == nil {
		t.Fatalf("llama-server runtime: loader=%v err=%v", l, err)
	}
	cfg.Runtime = "onnx"
	if _, err := newLoader(cfg, nil, &logger); err == nil {
		t.Fatal("unknown runtime accepted")
	}
}
