package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveRequestLabelsByRoute(t *testing.T) {
	registry := NewRegistry()
	before := promtestutil.ToFloat64(RequestCount.WithLabelValues("POST", "/transactions", "201"))

	ObserveRequest("POST", "/transactions", http.StatusCreated, 20*time.Millisecond)

	if got := promtestutil.ToFloat64(RequestCount.WithLabelValues("POST", "/transactions", "201")); got != before+1 {
		t.Fatalf("expected counter to grow by one, got %v -> %v", before, got)
	}

	w := httptest.NewRecorder()
	Handler(registry).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), `http_requests_total{code="201",method="POST",route="/transactions"}`) {
		t.Fatalf("expected request counter in exposition")
	}
}
