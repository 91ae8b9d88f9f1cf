package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func readiness(t *testing.T, m *Manager) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/readyz", ReadinessHandler(m))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	return w
}

func TestReadinessNotReady(t *testing.T) {
	w := readiness(t, NewManager(false))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadinessFailingCheck(t *testing.T) {
	m := NewManager(true)
	m.AddCheck("postgres", func(ctx context.Context) error { return errors.New("down") })
	m.AddCheck("redis", func(ctx context.Context) error { return nil })

	w := readiness(t, m)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "postgres") || strings.Contains(w.Body.String(), "redis") {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}

func TestReadinessReady(t *testing.T) {
	m := NewManager(true)
	m.AddCheck("postgres", func(ctx context.Context) error { return nil })
	w := readiness(t, m)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
