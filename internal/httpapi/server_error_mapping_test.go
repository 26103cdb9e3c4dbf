package httpapi

import (
	"net/http"
	"testing"

	"servd/internal/manager"
)

func TestInfer_ServableNotFoundMaps404(t *testing.T) {
	svc := &mockService{inferErr: manager.ErrServableNotFound("m-missing", manager.Latest)}
	w := postJSON(NewMux(svc), "/infer", `{"prompt":"hi"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestInfer_DependencyUnavailableMaps503(t *testing.T) {
	svc := &mockService{inferErr: manager.ErrDependencyUnavailable("llama adapter not initialized")}
	w := postJSON(NewMux(svc), "/infer", `{"prompt":"hi"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{validationErr(), http.StatusBadRequest},
		{manager.ErrServableNotFound("x", 2), http.StatusNotFound},
		{manager.ErrDependencyUnavailable("x"), http.StatusServiceUnavailable},
		{mockHTTPError{msg: "x", code: http.StatusConflict}, http.StatusConflict},
	}
	for _, c := range cases {
		if got := StatusForError(c.err); got != c.want {
			t.Fatalf("StatusForError(%v)=%d want %d", c.err, got, c.want)
		}
	}
}
