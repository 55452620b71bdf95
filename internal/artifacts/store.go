package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/meintechblog/eos-engine/internal/config"
)

// Store mirrors run artifacts to out-of-band storage for debugging and
// long-term inspection. The database copy stays authoritative; archive
// failures are logged, never propagated into the run.
type Store struct {
	localDir string
	s3       *S3Store
	log      zerolog.Logger
}

func NewStore(cfg *config.Config, log zerolog.Logger) (*Store, error) {
	st := &Store{
		localDir: cfg.ArtifactDir,
		log:      log.With().Str("component", "artifacts").Logger(),
	}
	if st.localDir != "" {
		if err := os.MkdirAll(st.localDir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}
	if cfg.S3.Enabled {
		s3Store, err := NewS3Store(cfg.S3, log)
		if err != nil {
			return nil, err
		}
		st.s3 = s3Store
	}
	return st, nil
}

// Enabled reports whether any archive target is configured.
func (s *Store) Enabled() bool {
	return s.localDir != "" || s.s3 != nil
}

func artifactKey(runID int64, artifactType string) string {
	return fmt.Sprintf("runs/%d/%s.json", runID, artifactType)
}

// Archive writes one artifact to every configured target.
func (s *Store) Archive(ctx context.Context, runID int64, artifactType string, payload []byte) {
	key := artifactKey(runID, artifactType)

	if s.localDir != "" {
		path := filepath.Join(s.localDir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("create artifact run dir")
		} else if err := os.WriteFile(path, payload, 0o644); err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("write artifact file")
		}
	}

	if s.s3 != nil {
		if err := s.s3.Save(ctx, key, payload, "application/json"); err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("archive artifact to s3")
		}
	}
}

// HealthCheck verifies the S3 target is reachable when configured.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.s3 == nil {
		return nil
	}
	return s.s3.HeadBucket(ctx)
}
