package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/apperr"
	"github.com/meintechblog/eos-engine/internal/config"
	"github.com/meintechblog/eos-engine/internal/database"
)

const (
	jobRollup    = "rollup"
	jobRetention = "retention"

	retentionChunkSize = 5000
	seriesMaxPoints    = 10000
)

// Service owns the canonical signal store: ingest, series reads, rollup
// maintenance, and retention.
type Service struct {
	db  *database.DB
	cfg *config.Config
	log zerolog.Logger
}

func NewService(db *database.DB, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		cfg: cfg,
		log: log.With().Str("component", "signals").Logger(),
	}
}

// IngestLagMs is the clamped millisecond lag between event time and ingest
// time. Future-dated events clamp to zero rather than going negative.
func IngestLagMs(ts, ingestedAt time.Time) int32 {
	lag := ingestedAt.Sub(ts).Milliseconds()
	if lag < 0 {
		return 0
	}
	if lag > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(lag)
}

// Ingest writes one measurement into the store. IngestedAt defaults to now;
// the lag column is computed here so every writer records it the same way.
func (s *Service) Ingest(ctx context.Context, m database.MeasurementInsert) (int64, error) {
	if m.SignalKey == "" {
		return 0, apperr.Newf(apperr.KindValidation, "signal key must not be empty")
	}
	if m.Ts.IsZero() {
		return 0, apperr.Newf(apperr.KindValidation, "measurement timestamp must not be zero")
	}
	if strings.HasPrefix(m.SignalKey, "prediction.") && !database.PredictionAllowlist[m.SignalKey] {
		return 0, apperr.Newf(apperr.KindValidation, "prediction key %q is not on the allowlist", m.SignalKey)
	}
	if m.IngestedAt.IsZero() {
		m.IngestedAt = time.Now().UTC()
	}
	m.Ts = m.Ts.UTC()
	m.IngestedAt = m.IngestedAt.UTC()
	m.IngestLagMs = IngestLagMs(m.Ts, m.IngestedAt)
	if m.Quality == "" {
		m.Quality = "ok"
	}
	return s.db.InsertMeasurement(ctx, m)
}

// Series reads a time range of one signal at the requested resolution.
// The range is half-open [from, to).
func (s *Service) Series(ctx context.Context, signalKey, resolution string, from, to time.Time, limit int) ([]database.SeriesPoint, error) {
	if !from.Before(to) {
		return nil, apperr.ValidationFields("from must be before to", map[string]string{
			"from": from.Format(time.RFC3339),
			"to":   to.Format(time.RFC3339),
		})
	}
	if limit <= 0 || limit > seriesMaxPoints {
		limit = seriesMaxPoints
	}

	switch resolution {
	case "", "raw":
		return s.db.RawSeries(ctx, signalKey, from, to, limit)
	case "5m":
		return s.db.RollupSeries(ctx, "signal_rollup_5m", signalKey, from, to, limit)
	case "1h":
		return s.db.RollupSeries(ctx, "signal_rollup_1h", signalKey, from, to, limit)
	case "1d":
		return s.db.RollupSeries(ctx, "signal_rollup_1d", signalKey, from, to, limit)
	default:
		return nil, apperr.Newf(apperr.KindValidation, "unknown resolution %q", resolution)
	}
}

func floorTo(t time.Time, d time.Duration) time.Time { return t.Truncate(d) }

func ceilTo(t time.Time, d time.Duration) time.Time {
	f := t.Truncate(d)
	if f.Equal(t) {
		return t
	}
	return f.Add(d)
}

// RunRollupJob recomputes rollup buckets touched by measurements ingested
// since the previous successful run. Late-arriving rows are covered because
// the window is chosen by ingest time but the recompute is keyed by event
// time; coarse tiers derive from the 5m tier afterwards.
func (s *Service) RunRollupJob(ctx context.Context) (int64, error) {
	jobID, err := s.db.StartJobRun(ctx, jobRollup)
	if err != nil {
		return 0, err
	}

	affected, details, jobErr := s.rollupPass(ctx)

	status := "ok"
	errText := ""
	if jobErr != nil {
		status = "error"
		errText = jobErr.Error()
	}
	if err := s.db.FinishJobRun(ctx, jobID, status, affected, details, errText); err != nil {
		s.log.Error().Err(err).Msg("finish rollup job row")
	}
	return affected, jobErr
}

func (s *Service) rollupPass(ctx context.Context) (int64, []byte, error) {
	until := time.Now().UTC()
	since := until.Add(-48 * time.Hour)
	if last, err := s.db.LastSuccessfulJobRun(ctx, jobRollup); err != nil {
		return 0, nil, err
	} else if last != nil {
		since = last.StartedAt
	}

	minTs, maxTs, ok, err := s.db.MeasurementIngestWindow(ctx, since, until)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, nil
	}

	from5m := floorTo(minTs.UTC(), 5*time.Minute)
	to5m := ceilTo(maxTs.UTC(), 5*time.Minute).Add(5 * time.Minute)

	n5m, err := s.db.RecomputeRollup5m(ctx, from5m, to5m)
	if err != nil {
		return 0, nil, fmt.Errorf("recompute 5m: %w", err)
	}
	n1h, err := s.db.RecomputeRollupDerived(ctx, "signal_rollup_1h", "1 hour",
		floorTo(from5m, time.Hour), ceilTo(to5m, time.Hour))
	if err != nil {
		return n5m, nil, fmt.Errorf("recompute 1h: %w", err)
	}
	n1d, err := s.db.RecomputeRollupDerived(ctx, "signal_rollup_1d", "1 day",
		floorTo(from5m, 24*time.Hour), ceilTo(to5m, 24*time.Hour))
	if err != nil {
		return n5m + n1h, nil, fmt.Errorf("recompute 1d: %w", err)
	}

	details, _ := json.Marshal(map[string]any{
		"window_from": from5m,
		"window_to":   to5m,
		"buckets_5m":  n5m,
		"buckets_1h":  n1h,
		"buckets_1d":  n1d,
	})
	return n5m + n1h + n1d, details, nil
}

// RunRetentionJob prunes each tier past its configured horizon. Tiers are
// independent: one failing tier does not stop the others, and the worst
// per-tier outcome becomes the job status.
func (s *Service) RunRetentionJob(ctx context.Context) (int64, error) {
	jobID, err := s.db.StartJobRun(ctx, jobRetention)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	tiers := []struct {
		tier string
		days int
	}{
		{"raw", s.cfg.DataRawRetentionDays},
		{"rollup_5m", s.cfg.DataRollup5mRetentionDays},
		{"rollup_1h", s.cfg.DataRollup1hRetentionDays},
		{"rollup_1d", s.cfg.DataRollup1dRetentionDays},
	}

	var total int64
	perTier := make(map[string]any, len(tiers)+1)
	var firstErr error

	for _, t := range tiers {
		if t.days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -t.days)
		n, err := s.db.DeleteTierBefore(ctx, t.tier, cutoff, retentionChunkSize)
		total += n
		if err != nil {
			perTier[t.tier] = map[string]any{"deleted": n, "error": err.Error()}
			if firstErr == nil {
				firstErr = fmt.Errorf("tier %s: %w", t.tier, err)
			}
			continue
		}
		perTier[t.tier] = map[string]any{"deleted": n}
	}

	if s.cfg.DataRawRetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.DataRawRetentionDays)
		n, err := s.db.DeleteTelemetryEventsBefore(ctx, cutoff, retentionChunkSize)
		total += n
		if err != nil {
			perTier["telemetry_events"] = map[string]any{"deleted": n, "error": err.Error()}
			if firstErr == nil {
				firstErr = fmt.Errorf("telemetry events: %w", err)
			}
		} else {
			perTier["telemetry_events"] = map[string]any{"deleted": n}
		}
	}

	status := "ok"
	errText := ""
	if firstErr != nil {
		status = "error"
		if total > 0 {
			status = "partial"
		}
		errText = firstErr.Error()
	}
	details, _ := json.Marshal(perTier)
	if err := s.db.FinishJobRun(ctx, jobID, status, total, details, errText); err != nil {
		s.log.Error().Err(err).Msg("finish retention job row")
	}
	return total, firstErr
}

// RetentionStatus summarizes the retention configuration and the last job runs.
type RetentionStatus struct {
	Config        map[string]int       `json:"config_days"`
	LastRollup    *database.JobRunRow  `json:"last_rollup,omitempty"`
	LastRetention *database.JobRunRow  `json:"last_retention,omitempty"`
	SignalCount   int64                `json:"signal_count"`
	IngestedLastH int64                `json:"measurements_last_hour"`
}

func (s *Service) RetentionStatus(ctx context.Context) (*RetentionStatus, error) {
	st := &RetentionStatus{
		Config: map[string]int{
			"raw":       s.cfg.DataRawRetentionDays,
			"rollup_5m": s.cfg.DataRollup5mRetentionDays,
			"rollup_1h": s.cfg.DataRollup1hRetentionDays,
			"rollup_1d": s.cfg.DataRollup1dRetentionDays,
		},
	}

	var err error
	if st.LastRollup, err = s.db.LastJobRun(ctx, jobRollup); err != nil {
		return nil, err
	}
	if st.LastRetention, err = s.db.LastJobRun(ctx, jobRetention); err != nil {
		return nil, err
	}
	if st.SignalCount, err = s.db.CountSignals(ctx); err != nil {
		return nil, err
	}
	if st.IngestedLastH, err = s.db.CountMeasurementsSince(ctx, time.Now().UTC().Add(-time.Hour)); err != nil {
		return nil, err
	}
	return st, nil
}

// StaleAfter reports the freshness horizon for latest-state reads.
func (s *Service) StaleAfter() time.Duration {
	return time.Duration(s.cfg.LiveStaleSeconds) * time.Second
}
