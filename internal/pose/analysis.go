package pose

import (
	"fmt"
	"time"
)

// TimedFrame is one cached detection keyed by media time.
type TimedFrame struct {
	TimestampMs int64 `json:"timestamp_ms"`
	Poses       Frame `json:"poses"`
}

// CachedAnalysis is the output of one completed preprocessing pass over a
// trimmed clip range.
type CachedAnalysis struct {
	ID               string       `json:"id"`
	VideoID          string       `json:"video_id"`
	RunID            string       `json:"run_id,omitempty"`
	ModelVariant     string       `json:"model_variant"`
	TargetFPS        float64      `json:"target_fps"`
	AllowMultiPerson bool         `json:"allow_multi_person"`
	TrimStartMs      int64        `json:"trim_start_ms"`
	TrimEndMs        int64        `json:"trim_end_ms"`
	CreatedAt        time.Time    `json:"created_at"`
	Frames           []TimedFrame `json:"frames"`
}

// Validate enforces trim ordering and strictly ascending frame timestamps.
func (a *CachedAnalysis) Validate() error {
	if a.VideoID == "" {
		return fmt.Errorf("analysis has no video id")
	}
	if a.TrimStartMs > a.TrimEndMs {
		return fmt.Errorf("trim start %d after trim end %d", a.TrimStartMs, a.TrimEndMs)
	}
	for i := 1; i < len(a.Frames); i++ {
		if a.Frames[i].TimestampMs <= a.Frames[i-1].TimestampMs {
			return fmt.Errorf("frame %d timestamp %d not after %d",
				i, a.Frames[i].TimestampMs, a.Frames[i-1].TimestampMs)
		}
	}
	return nil
}

// RuntimeSnapshot is diagnostic state exposed to consumers. It is never
// used for control decisions.
type RuntimeSnapshot struct {
	ActiveModelVariant string `json:"active_model_variant"`
	ActiveDelegate     string `json:"active_delegate"`
}

// PreprocessRun is the audit record of one preprocessing pass, written
// whether or not the pass completed.
type PreprocessRun struct {
	RunID        string     `json:"run_id"`
	VideoID      string     `json:"video_id"`
	ModelVariant string     `json:"model_variant"`
	TargetFPS    float64    `json:"target_fps"`
	TrimStartMs  int64      `json:"trim_start_ms"`
	TrimEndMs    int64      `json:"trim_end_ms"`
	Strategy     string     `json:"strategy"`
	Status       string     `json:"status"`
	FrameCount   int        `json:"frame_count"`
	Error        string     `json:"error,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
