package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRunner(t *testing.T) {
	t.Run("run_on_start_executes_job", func(t *testing.T) {
		var calls atomic.Int64
		r := NewRunner(Options{
			Name:       "test",
			Interval:   time.Hour,
			RunOnStart: true,
			Job: func(ctx context.Context) (int64, error) {
				calls.Add(1)
				return 1, nil
			},
			Log: zerolog.Nop(),
		})
		r.Start()
		deadline := time.Now().Add(2 * time.Second)
		for calls.Load() == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		r.Stop()
		if calls.Load() != 1 {
			t.Fatalf("expected 1 call, got %d", calls.Load())
		}
		st := r.Status()
		if st.RunCount != 1 || st.LastOK == nil || st.LastError != "" {
			t.Fatalf("unexpected status: %+v", st)
		}
	})

	t.Run("disabled_runner_skips_job", func(t *testing.T) {
		var calls atomic.Int64
		r := NewRunner(Options{
			Name:       "test",
			Interval:   time.Hour,
			RunOnStart: true,
			Enabled:    func() bool { return false },
			Job: func(ctx context.Context) (int64, error) {
				calls.Add(1)
				return 0, nil
			},
			Log: zerolog.Nop(),
		})
		r.Start()
		time.Sleep(50 * time.Millisecond)
		r.Stop()
		if calls.Load() != 0 {
			t.Fatalf("expected 0 calls, got %d", calls.Load())
		}
		if st := r.Status(); st.Enabled {
			t.Fatal("status should report disabled")
		}
	})

	t.Run("job_error_recorded_in_status", func(t *testing.T) {
		done := make(chan struct{})
		r := NewRunner(Options{
			Name:       "test",
			Interval:   time.Hour,
			RunOnStart: true,
			Job: func(ctx context.Context) (int64, error) {
				defer close(done)
				return 0, errors.New("boom")
			},
			Log: zerolog.Nop(),
		})
		r.Start()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job never ran")
		}
		r.Stop()
		st := r.Status()
		if st.ErrorCount != 1 || st.LastError != "boom" || st.LastOK != nil {
			t.Fatalf("unexpected status: %+v", st)
		}
	})

	t.Run("stop_cancels_in_flight_job", func(t *testing.T) {
		started := make(chan struct{})
		canceled := make(chan struct{})
		r := NewRunner(Options{
			Name:       "test",
			Interval:   time.Hour,
			RunOnStart: true,
			Job: func(ctx context.Context) (int64, error) {
				close(started)
				<-ctx.Done()
				close(canceled)
				return 0, ctx.Err()
			},
			Log: zerolog.Nop(),
		})
		r.Start()
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("job never started")
		}
		r.Stop()
		select {
		case <-canceled:
		case <-time.After(2 * time.Second):
			t.Fatal("job context was not canceled on stop")
		}
	})
}

func TestSupervisor(t *testing.T) {
	t.Run("statuses_reports_all_runners", func(t *testing.T) {
		s := NewSupervisor(zerolog.Nop())
		for _, name := range []string{"a", "b"} {
			s.Add(NewRunner(Options{
				Name:     name,
				Interval: time.Hour,
				Job:      func(ctx context.Context) (int64, error) { return 0, nil },
				Log:      zerolog.Nop(),
			}))
		}
		s.Start()
		defer s.Stop()
		sts := s.Statuses()
		if len(sts) != 2 || sts[0].Name != "a" || sts[1].Name != "b" {
			t.Fatalf("unexpected statuses: %+v", sts)
		}
	})
}
