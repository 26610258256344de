// Package report replays a cached analysis through the biomechanics
// derivations and renders the resulting time series as charts.
package report

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/biomech"
)

// Joints lists the measured joints in chart order.
var Joints = []biomech.Joint{
	biomech.LeftKnee, biomech.RightKnee,
	biomech.LeftHip, biomech.RightHip,
	biomech.LeftElbow, biomech.RightElbow,
}

// Series holds one value per cached frame. Missing values are NaN.
type Series struct {
	VideoID string
	Width   float64
	Height  float64

	TimestampMs []int64
	// CogHeightPx is the centre of gravity above the bottom edge.
	CogHeightPx  []float64
	JumpHeightPx []float64
	LeanDeg      []float64
	JointDeg     map[biomech.Joint][]float64
}

// ComputeSeries replays the first pose of every frame in a at the given
// frame size. Jump height uses a fresh tracker so results do not depend on
// what was played live.
func ComputeSeries(a *pose.CachedAnalysis, width, height float64) (*Series, error) {
	if a == nil {
		return nil, fmt.Errorf("no analysis")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %gx%g", width, height)
	}

	n := len(a.Frames)
	s := &Series{
		VideoID:      a.VideoID,
		Width:        width,
		Height:       height,
		TimestampMs:  make([]int64, n),
		CogHeightPx:  nanSlice(n),
		JumpHeightPx: nanSlice(n),
		LeanDeg:      nanSlice(n),
		JointDeg:     make(map[biomech.Joint][]float64, len(Joints)),
	}
	for _, j := range Joints {
		s.JointDeg[j] = nanSlice(n)
	}

	jump := biomech.NewJumpTracker()
	for i, f := range a.Frames {
		s.TimestampMs[i] = f.TimestampMs
		if len(f.Poses) == 0 {
			continue
		}
		m := biomech.Analyze(f.Poses[0], width, height, jump, f.TimestampMs)
		if m.CenterOfGravity != nil {
			s.CogHeightPx[i] = height - m.CenterOfGravity.Y
			s.JumpHeightPx[i] = 0
			if m.JumpHeightPx != nil {
				s.JumpHeightPx[i] = *m.JumpHeightPx
			}
		}
		if m.BodyLeanDeg != nil {
			s.LeanDeg[i] = *m.BodyLeanDeg
		}
		for _, ja := range m.Joints {
			if vals, ok := s.JointDeg[ja.Joint]; ok {
				vals[i] = ja.Degrees
			}
		}
	}
	return s, nil
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// present drops NaN values.
func present(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

// Range is the min and max of the non-missing values of one series.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Summary aggregates a Series.
type Summary struct {
	Frames        int                     `json:"frames"`
	PosedFrames   int                     `json:"posed_frames"`
	MaxJumpPx     float64                 `json:"max_jump_px"`
	MeanLeanDeg   float64                 `json:"mean_lean_deg"`
	MaxAbsLeanDeg float64                 `json:"max_abs_lean_deg"`
	Joints        map[biomech.Joint]Range `json:"joints"`
}

// Summarize reduces s to headline figures.
func (s *Series) Summarize() Summary {
	sum := Summary{
		Frames: len(s.TimestampMs),
		Joints: make(map[biomech.Joint]Range),
	}
	sum.PosedFrames = len(present(s.CogHeightPx))

	if jumps := present(s.JumpHeightPx); len(jumps) > 0 {
		sum.MaxJumpPx = floats.Max(jumps)
	}
	if lean := present(s.LeanDeg); len(lean) > 0 {
		sum.MeanLeanDeg = stat.Mean(lean, nil)
		abs := make([]float64, len(lean))
		for i, v := range lean {
			abs[i] = math.Abs(v)
		}
		sum.MaxAbsLeanDeg = floats.Max(abs)
	}
	for j, vals := range s.JointDeg {
		if p := present(vals); len(p) > 0 {
			sum.Joints[j] = Range{Min: floats.Min(p), Max: floats.Max(p)}
		}
	}
	return sum
}

// seconds converts the timestamps to seconds from the first frame.
func (s *Series) seconds() []float64 {
	out := make([]float64, len(s.TimestampMs))
	if len(out) == 0 {
		return out
	}
	t0 := s.TimestampMs[0]
	for i, ts := range s.TimestampMs {
		out[i] = float64(ts-t0) / 1000
	}
	return out
}
