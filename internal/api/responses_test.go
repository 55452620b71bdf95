package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/meintechblog/eos-engine/internal/apperr"
)

func TestStatusForKind(t *testing.T) {
	cases := []struct {
		name string
		kind apperr.Kind
		want int
	}{
		{"validation_maps_to_400", apperr.KindValidation, http.StatusBadRequest},
		{"conflict_maps_to_409", apperr.KindConflict, http.StatusConflict},
		{"gone_maps_to_410", apperr.KindGone, http.StatusGone},
		{"not_found_maps_to_404", apperr.KindNotFound, http.StatusNotFound},
		{"unavailable_maps_to_503", apperr.KindUnavailable, http.StatusServiceUnavailable},
		{"transient_maps_to_503", apperr.KindTransient, http.StatusServiceUnavailable},
		{"unknown_maps_to_500", apperr.Kind(0), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusForKind(tc.kind); got != tc.want {
				t.Errorf("statusForKind(%v) = %d, want %d", tc.kind, got, tc.want)
			}
		})
	}
}

func TestWriteAppError(t *testing.T) {
	t.Run("typed_error_carries_fields", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteAppError(rec, apperr.ValidationFields("from must be before to", map[string]string{
			"from": "2026-02-21T15:00:00Z",
		}))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if body.Error != "from must be before to" {
			t.Errorf("error = %q", body.Error)
		}
		if body.Fields["from"] == "" {
			t.Error("expected field-level reason for from")
		}
	})

	t.Run("untyped_error_is_opaque_500", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteAppError(rec, errors.New("pq: deadlock detected on relation signal_measurement"))

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if body.Error != "internal error" {
			t.Errorf("error = %q, internal detail must not leak", body.Error)
		}
	})

	t.Run("wrapped_typed_error_keeps_kind", func(t *testing.T) {
		rec := httptest.NewRecorder()
		inner := apperr.Conflict("active run in progress")
		WriteAppError(rec, apperr.Wrap(apperr.KindConflict, "force run", inner))

		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})
}

func TestParsePagination(t *testing.T) {
	cases := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
		wantErr    bool
	}{
		{"defaults", "", 50, 0, false},
		{"explicit_values", "limit=10&offset=30", 10, 30, false},
		{"zero_limit_rejected", "limit=0", 0, 0, true},
		{"negative_offset_rejected", "offset=-1", 0, 0, true},
		{"non_numeric_rejected", "limit=ten", 0, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/runs?"+tc.query, nil)
			p, err := ParsePagination(r)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Limit != tc.wantLimit || p.Offset != tc.wantOffset {
				t.Errorf("got limit=%d offset=%d, want %d/%d", p.Limit, p.Offset, tc.wantLimit, tc.wantOffset)
			}
		})
	}
}

func TestGone(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/mqtt/publish", nil)
	Gone("poll GET /eos/get/outputs instead")(rec, r)

	if rec.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["directive"] == "" {
		t.Error("expected a directive pointing at the replacement")
	}
}
