// Package sqlite persists cached pose analyses and preprocessing runs in
// the database opened by internal/db.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/cache"
)

// Store implements cache.Store. Frames are stored as one compressed blob
// per analysis.
type Store struct {
	db *sql.DB
}

var _ cache.Store = (*Store)(nil)

// NewStore creates a Store over a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put inserts or replaces an analysis.
func (s *Store) Put(ctx context.Context, a *pose.CachedAnalysis) error {
	if a.ID == "" {
		return errors.New("analysis has no id")
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT OR REPLACE INTO pose_analyses (
			analysis_id, video_id, run_id, model_variant, target_fps,
			allow_multi_person, trim_start_ms, trim_end_ms,
			frame_count, frames_blob, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.VideoID,
		nullString(a.RunID),
		a.ModelVariant,
		a.TargetFPS,
		a.AllowMultiPerson,
		a.TrimStartMs,
		a.TrimEndMs,
		len(a.Frames),
		cache.EncodeFrames(a.Frames),
		createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// Get loads an analysis and decodes its frames.
func (s *Store) Get(ctx context.Context, id string) (*pose.CachedAnalysis, error) {
	query := `
		SELECT analysis_id, video_id, run_id, model_variant, target_fps,
		       allow_multi_person, trim_start_ms, trim_end_ms,
		       frames_blob, created_at
		FROM pose_analyses
		WHERE analysis_id = ?
	`

	var a pose.CachedAnalysis
	var runID sql.NullString
	var blob []byte
	var createdAt int64

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID,
		&a.VideoID,
		&runID,
		&a.ModelVariant,
		&a.TargetFPS,
		&a.AllowMultiPerson,
		&a.TrimStartMs,
		&a.TrimEndMs,
		&blob,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", cache.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}

	if runID.Valid {
		a.RunID = runID.String
	}
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.Frames, err = cache.DecodeFrames(blob)
	if err != nil {
		return nil, fmt.Errorf("analysis %s: %w", id, err)
	}
	return &a, nil
}

// IDsByVideo lists analysis ids for a video, oldest first.
func (s *Store) IDsByVideo(ctx context.Context, videoID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT analysis_id FROM pose_analyses WHERE video_id = ? ORDER BY created_at, analysis_id`,
		videoID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan analysis id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes an analysis. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pose_analyses WHERE analysis_id = ?`, id); err != nil {
		return fmt.Errorf("delete analysis: %w", err)
	}
	return nil
}

// Summary is an analysis without its frames.
type Summary struct {
	ID           string    `json:"id"`
	VideoID      string    `json:"video_id"`
	ModelVariant string    `json:"model_variant"`
	TargetFPS    float64   `json:"target_fps"`
	TrimStartMs  int64     `json:"trim_start_ms"`
	TrimEndMs    int64     `json:"trim_end_ms"`
	FrameCount   int       `json:"frame_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListSummaries returns every stored analysis, newest first, without
// decoding frame blobs. An empty videoID lists all videos.
func (s *Store) ListSummaries(ctx context.Context, videoID string) ([]Summary, error) {
	query := `
		SELECT analysis_id, video_id, model_variant, target_fps,
		       trim_start_ms, trim_end_ms, frame_count, created_at
		FROM pose_analyses
		WHERE (? = '' OR video_id = ?)
		ORDER BY created_at DESC, analysis_id
	`
	rows, err := s.db.QueryContext(ctx, query, videoID, videoID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var createdAt int64
		if err := rows.Scan(&sum.ID, &sum.VideoID, &sum.ModelVariant, &sum.TargetFPS,
			&sum.TrimStartMs, &sum.TrimEndMs, &sum.FrameCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
