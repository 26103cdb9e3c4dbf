package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"servd/internal/manager"
	"servd/internal/modules"
	"servd/pkg/types"
)

func TestResolvedServiceUnavailable(t *testing.T) {
	down := manager.ErrDependencyUnavailable("ServableManagerModule is stopped")
	svc := &mockService{ready: true, models: []types.Model{{Name: "m", Version: 1}}}
	var err error = down
	h := NewMux(Resolve(func() (Service, error) {
		if err != nil {
			return nil, err
		}
		return svc, nil
	}))

	for _, c := range []struct{ method, path, body string }{
		{http.MethodGet, "/models", ""},
		{http.MethodGet, "/status", ""},
		{http.MethodPost, "/v1/config/directives", `{"name":"m","version":1}`},
		{http.MethodPost, "/v1/config/reconcile", `{"servables":[]}`},
		{http.MethodPost, "/infer", `{"model":"m","prompt":"hi"}`},
	} {
		var w *httptest.ResponseRecorder
		if c.method == http.MethodGet {
			w = httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(c.method, c.path, nil))
		} else {
			w = postJSON(h, c.path, c.body)
		}
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s: status=%d want 503", c.method, c.path, w.Code)
		}
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz=%d while unavailable", w.Code)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz=%d", w.Code)
	}

	err = nil
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/models", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("models after recovery: %d", w.Code)
	}
}

func TestResolveThroughRegistry(t *testing.T) {
	reg := modules.NewRegistry(nil)
	m := manager.New(nil, nil, "")
	if err := reg.Register(manager.NewModule(m)); err != nil {
		t.Fatal(err)
	}
	get := manager.FromRegistry(reg)
	svc := Resolve(func() (Service, error) {
		mgr, err := get()
		if err != nil {
			return nil, err
		}
		return mgr, nil
	})
	if err := svc.Available(); !manager.IsDependencyUnavailable(err) {
		t.Fatalf("before start: %v", err)
	}
	rep := svc.Reconcile(context.Background(), []types.Directive{{Name: "a", Action: types.ActionEnable}})
	if len(rep.Outcomes) != 1 || !manager.IsDependencyUnavailable(rep.Outcomes[0].Err) {
		t.Fatalf("reconcile while unavailable: %+v", rep)
	}

	if err := reg.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Available(); err != nil {
		t.Fatalf("after start: %v", err)
	}
	if !svc.Ready() {
		t.Fatal("manager not ready after start")
	}

	reg.StopAll(context.Background())
	if err := svc.Available(); !manager.IsDependencyUnavailable(err) {
		t.Fatalf("after stop: %v", err)
	}
}
