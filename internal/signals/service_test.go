package signals

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/meintechblog/eos-engine/internal/apperr"
	"github.com/meintechblog/eos-engine/internal/database"
)

func TestIngestLagMs(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		ts         time.Time
		ingestedAt time.Time
		want       int32
	}{
		{"normal_lag", base, base.Add(1500 * time.Millisecond), 1500},
		{"zero_lag", base, base, 0},
		{"future_event_clamps_to_zero", base.Add(time.Minute), base, 0},
		{"huge_lag_clamps_to_max", base, base.Add(100 * 365 * 24 * time.Hour), math.MaxInt32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IngestLagMs(tt.ts, tt.ingestedAt); got != tt.want {
				t.Errorf("IngestLagMs() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBucketAlignment(t *testing.T) {
	t.Run("floor_aligns_down", func(t *testing.T) {
		in := time.Date(2025, 6, 1, 12, 7, 33, 0, time.UTC)
		want := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)
		if got := floorTo(in, 5*time.Minute); !got.Equal(want) {
			t.Errorf("floorTo() = %v, want %v", got, want)
		}
	})

	t.Run("ceil_aligns_up", func(t *testing.T) {
		in := time.Date(2025, 6, 1, 12, 7, 33, 0, time.UTC)
		want := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
		if got := ceilTo(in, 5*time.Minute); !got.Equal(want) {
			t.Errorf("ceilTo() = %v, want %v", got, want)
		}
	})

	t.Run("ceil_keeps_aligned_value", func(t *testing.T) {
		in := time.Date(2025, 6, 1, 12, 10, 0, 0, time.UTC)
		if got := ceilTo(in, 5*time.Minute); !got.Equal(in) {
			t.Errorf("ceilTo() moved an aligned timestamp to %v", got)
		}
	})
}

func TestIngestPredictionAllowlist(t *testing.T) {
	svc := &Service{}

	t.Run("disallowed_prediction_key_rejected", func(t *testing.T) {
		_, err := svc.Ingest(context.Background(), database.MeasurementInsert{
			SignalKey: "prediction.made_up_series",
			Ts:        time.Date(2026, 2, 21, 14, 0, 0, 0, time.UTC),
		})
		if !apperr.IsKind(err, apperr.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("empty_key_rejected_first", func(t *testing.T) {
		_, err := svc.Ingest(context.Background(), database.MeasurementInsert{
			Ts: time.Date(2026, 2, 21, 14, 0, 0, 0, time.UTC),
		})
		if !apperr.IsKind(err, apperr.KindValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}
