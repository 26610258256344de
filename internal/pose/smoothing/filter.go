// Package smoothing implements an adaptive low-pass ("one euro") filter for
// noisy per-frame landmark coordinates.
package smoothing

import (
	"math"

	"github.com/banshee-data/pose.report/internal/pose"
)

// minDtMs floors the sample interval so a repeated timestamp cannot blow up
// the derivative estimate.
const minDtMs = 1.0

// Params tunes the filter. MinCutoff sets smoothing at rest (Hz), Beta
// scales how quickly the cutoff opens with speed, DerivativeCutoff smooths
// the speed estimate itself.
type Params struct {
	MinCutoff        float64 `json:"min_cutoff"`
	Beta             float64 `json:"beta"`
	DerivativeCutoff float64 `json:"derivative_cutoff"`
}

// DefaultParams are tuned for normalized landmark coordinates at 15-60 fps.
func DefaultParams() Params {
	return Params{MinCutoff: 1.0, Beta: 0.007, DerivativeCutoff: 1.0}
}

// FilterState is the state of one scalar channel.
type FilterState struct {
	Value       float64
	Derivative  float64
	Initialized bool
}

// Reset marks the state uninitialised; the next sample passes through.
func (s *FilterState) Reset() {
	*s = FilterState{}
}

// Update filters one sample taken dtMs after the previous one and returns
// the smoothed value. The first sample after creation or Reset is returned
// unchanged.
func Update(s *FilterState, value, dtMs float64, p Params) float64 {
	if !s.Initialized {
		s.Value = value
		s.Derivative = 0
		s.Initialized = true
		return value
	}

	if dtMs < minDtMs || math.IsNaN(dtMs) {
		dtMs = minDtMs
	}
	dt := dtMs / 1000

	rawDerivative := (value - s.Value) / dt
	s.Derivative = lowPass(s.Derivative, rawDerivative, alpha(p.DerivativeCutoff, dt))

	cutoff := p.MinCutoff + p.Beta*math.Abs(s.Derivative)
	s.Value = lowPass(s.Value, value, alpha(cutoff, dt))
	return s.Value
}

func alpha(cutoff, dt float64) float64 {
	if cutoff <= 0 {
		return 1
	}
	tau := 1 / (2 * math.Pi * cutoff)
	return 1 / (1 + tau/dt)
}

func lowPass(prev, next, a float64) float64 {
	return prev + a*(next-prev)
}

// channels per landmark: x, y, z, visibility.
const channels = 4

// PoseFilter smooths every landmark of one tracked pose. States are created
// the first time a landmark index is seen and survive Reset.
type PoseFilter struct {
	params Params
	states []*[channels]FilterState
}

// NewPoseFilter returns an empty filter bank.
func NewPoseFilter(p Params) *PoseFilter {
	return &PoseFilter{params: p, states: make([]*[channels]FilterState, pose.NumLandmarks)}
}

// SetParams changes the tuning without touching channel state.
func (f *PoseFilter) SetParams(p Params) { f.params = p }

// Params returns the active tuning.
func (f *PoseFilter) Params() Params { return f.params }

// Apply smooths p in place. Landmarks with zero visibility are not
// observations and leave their channels untouched.
func (f *PoseFilter) Apply(p *pose.Pose, dtMs float64) {
	for i := range p {
		lm := &p[i]
		if lm.Visibility <= 0 && lm.X == 0 && lm.Y == 0 {
			continue
		}
		st := f.states[i]
		if st == nil {
			st = new([channels]FilterState)
			f.states[i] = st
		}
		lm.X = Update(&st[0], lm.X, dtMs, f.params)
		lm.Y = Update(&st[1], lm.Y, dtMs, f.params)
		lm.Z = Update(&st[2], lm.Z, dtMs, f.params)
		lm.Visibility = Update(&st[3], lm.Visibility, dtMs, f.params)
	}
}

// Reset clears every channel after a seek or loop.
func (f *PoseFilter) Reset() {
	for _, st := range f.states {
		if st == nil {
			continue
		}
		for c := range st {
			st[c].Reset()
		}
	}
}

// Tracked reports how many landmark indices have allocated state.
func (f *PoseFilter) Tracked() int {
	n := 0
	for _, st := range f.states {
		if st != nil {
			n++
		}
	}
	return n
}
