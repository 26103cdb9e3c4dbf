//go:build !swagger

package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSwaggerUIAbsentWithoutTag(t *testing.T) {
	h := NewMux(&mockService{})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/index.html", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("swagger mounted without tag: %d", w.Code)
	}
}
