package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/pose.report/internal/pose"
)

// StartRun records the start of a preprocessing pass.
func (s *Store) StartRun(ctx context.Context, run pose.PreprocessRun) error {
	query := `
		INSERT INTO preprocess_runs (
			run_id, video_id, model_variant, target_fps,
			trim_start_ms, trim_end_ms, strategy, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.RunID,
		run.VideoID,
		run.ModelVariant,
		run.TargetFPS,
		run.TrimStartMs,
		run.TrimEndMs,
		run.Strategy,
		run.Status,
		run.StartedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a preprocessing pass.
func (s *Store) FinishRun(ctx context.Context, runID, status string, frameCount int, runErr error, finishedAt time.Time) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE preprocess_runs
		SET status = ?, frame_count = ?, error_message = ?, finished_at = ?
		WHERE run_id = ?
	`, status, frameCount, msg, finishedAt.UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// GetRun loads one run record.
func (s *Store) GetRun(ctx context.Context, runID string) (*pose.PreprocessRun, error) {
	runs, err := s.queryRuns(ctx, `WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return &runs[0], nil
}

// ListRuns returns a video's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, videoID string) ([]pose.PreprocessRun, error) {
	return s.queryRuns(ctx, `WHERE video_id = ? ORDER BY started_at DESC`, videoID)
}

func (s *Store) queryRuns(ctx context.Context, where string, args ...interface{}) ([]pose.PreprocessRun, error) {
	query := `
		SELECT run_id, video_id, model_variant, target_fps, trim_start_ms, trim_end_ms,
		       strategy, status, frame_count, error_message, started_at, finished_at
		FROM preprocess_runs ` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []pose.PreprocessRun
	for rows.Next() {
		var r pose.PreprocessRun
		var errMsg sql.NullString
		var startedAt int64
		var finishedAt sql.NullInt64
		err := rows.Scan(&r.RunID, &r.VideoID, &r.ModelVariant, &r.TargetFPS,
			&r.TrimStartMs, &r.TrimEndMs, &r.Strategy, &r.Status, &r.FrameCount,
			&errMsg, &startedAt, &finishedAt)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if errMsg.Valid {
			r.Error = errMsg.String
		}
		r.StartedAt = time.Unix(0, startedAt).UTC()
		if finishedAt.Valid {
			t := time.Unix(0, finishedAt.Int64).UTC()
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
