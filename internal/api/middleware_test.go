package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestBearerAuth(t *testing.T) {
	t.Run("empty_token_disables_auth", func(t *testing.T) {
		h := BearerAuth("")(okHandler())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("valid_header_passes", func(t *testing.T) {
		h := BearerAuth("secret")(okHandler())
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
		r.Header.Set("Authorization", "Bearer secret")
		h.ServeHTTP(rec, r)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("query_token_fallback_passes", func(t *testing.T) {
		h := BearerAuth("secret")(okHandler())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/eos/get/outputs?token=secret", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("wrong_token_rejected", func(t *testing.T) {
		h := BearerAuth("secret")(okHandler())
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
		r.Header.Set("Authorization", "Bearer nope")
		h.ServeHTTP(rec, r)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("missing_token_rejected", func(t *testing.T) {
		h := BearerAuth("secret")(okHandler())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestRequestID(t *testing.T) {
	t.Run("generates_id_when_absent", func(t *testing.T) {
		h := RequestID(okHandler())
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("expected a generated request id")
		}
	})

	t.Run("echoes_provided_id", func(t *testing.T) {
		h := RequestID(okHandler())
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.Header.Set("X-Request-ID", "abc123")
		h.ServeHTTP(rec, r)
		if got := rec.Header().Get("X-Request-ID"); got != "abc123" {
			t.Errorf("request id = %q, want abc123", got)
		}
	})
}
