package biomech

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Jump detection defaults.
const (
	DefaultJumpWindowMs       = 3000
	DefaultJumpMinSamples     = 5
	DefaultBaselinePercentile = 0.85
	DefaultAirborneFraction   = 0.03
)

type cogSample struct {
	TimestampMs int64
	Y           float64
}

// JumpTracker keeps a rolling window of centre-of-gravity heights and
// reports how far above the standing baseline the body currently is.
//
// The baseline is a high percentile of window Y (screen Y grows downward,
// so that is the lowest physical position), which jump peaks cannot drag
// upward.
type JumpTracker struct {
	WindowMs         int64
	MinSamples       int
	Percentile       float64
	AirborneFraction float64

	samples  []cogSample
	baseline float64
	scratch  []float64
}

// NewJumpTracker returns a tracker with the default window and thresholds.
func NewJumpTracker() *JumpTracker {
	return &JumpTracker{
		WindowMs:         DefaultJumpWindowMs,
		MinSamples:       DefaultJumpMinSamples,
		Percentile:       DefaultBaselinePercentile,
		AirborneFraction: DefaultAirborneFraction,
	}
}

// Push records a sample and returns the jump height in pixels when the body
// is airborne by more than AirborneFraction of the frame height.
func (j *JumpTracker) Push(timestampMs int64, cogY, frameHeight float64) (float64, bool) {
	j.samples = append(j.samples, cogSample{TimestampMs: timestampMs, Y: cogY})
	j.prune(timestampMs)

	if len(j.samples) < j.MinSamples {
		return 0, false
	}

	j.scratch = j.scratch[:0]
	for _, s := range j.samples {
		j.scratch = append(j.scratch, s.Y)
	}
	sort.Float64s(j.scratch)
	j.baseline = stat.Quantile(j.Percentile, stat.Empirical, j.scratch, nil)

	height := j.baseline - cogY
	if height > j.AirborneFraction*frameHeight {
		return height, true
	}
	return 0, false
}

func (j *JumpTracker) prune(newest int64) {
	cutoff := newest - j.WindowMs
	drop := 0
	for drop < len(j.samples) && j.samples[drop].TimestampMs < cutoff {
		drop++
	}
	if drop > 0 {
		j.samples = append(j.samples[:0], j.samples[drop:]...)
	}
}

// Baseline is the most recent standing reference, zero before the window
// has filled.
func (j *JumpTracker) Baseline() float64 { return j.baseline }

// Len is the number of samples in the window.
func (j *JumpTracker) Len() int { return len(j.samples) }

// Reset drops the window, e.g. after a seek.
func (j *JumpTracker) Reset() {
	j.samples = j.samples[:0]
	j.baseline = 0
}
