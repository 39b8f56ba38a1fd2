package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHTTPMiddlewareUnrouted(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/v1/targets/550e8400-e29b-41d4-a716-446655440000", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/targets/{id}", "404")); got != 1 {
		t.Errorf("requests for normalized path = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("not_found")); got != 1 {
		t.Errorf("not_found errors = %v, want 1", got)
	}
}

func TestHTTPMiddlewareRoutePattern(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Post("/api/v1/campaigns/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.Get("/api/v1/campaigns/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	})

	for _, path := range []string{"/api/v1/campaigns/c-1", "/api/v1/campaigns/c-2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/campaigns/c-1/pause", nil))

	if got := testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/v1/campaigns/{id}", "200")); got != 2 {
		t.Errorf("GET requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.APIErrorsTotal.WithLabelValues("invalid_transition")); got != 1 {
		t.Errorf("invalid_transition errors = %v, want 1", got)
	}
}

func TestHTTPMiddlewareNoMetrics(t *testing.T) {
	SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestIsID(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"550E8400-E29B-41D4-A716-446655440000", true},
		{"campaigns", false},
		{"", false},
		{"550e8400-e29b-41d4-a716-44665544000", false},
	}

	for _, tt := range tests {
		if got := isID(tt.input); got != tt.want {
			t.Errorf("isID(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestErrorCategory(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{400, "invalid_request"},
		{403, "forbidden"},
		{404, "not_found"},
		{409, "invalid_transition"},
		{422, "insufficient_inventory"},
		{503, "unavailable"},
		{500, "internal"},
		{405, "client_error"},
	}

	for _, tt := range tests {
		if got := errorCategory(tt.code); got != tt.want {
			t.Errorf("errorCategory(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
