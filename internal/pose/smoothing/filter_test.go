package smoothing

import (
	"math"
	"testing"

	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate_FirstSamplePassesThrough(t *testing.T) {
	t.Parallel()

	var s FilterState
	got := Update(&s, 0.42, 33, DefaultParams())
	assert.Equal(t, 0.42, got)
	assert.True(t, s.Initialized)
	assert.Equal(t, 0.0, s.Derivative)
}

func TestUpdate_ConvergesMonotonically(t *testing.T) {
	t.Parallel()

	var s FilterState
	p := Params{MinCutoff: 1, Beta: 0, DerivativeCutoff: 1}
	Update(&s, 0, 33, p)

	prevErr := 1.0
	for i := 0; i < 200; i++ {
		got := Update(&s, 1, 33, p)
		e := math.Abs(1 - got)
		require.LessOrEqual(t, e, prevErr, "step %d moved away from the constant", i)
		prevErr = e
	}
	assert.Less(t, prevErr, 1e-3)
}

func TestUpdate_BetaReducesLag(t *testing.T) {
	t.Parallel()

	run := func(beta float64) float64 {
		var s FilterState
		p := Params{MinCutoff: 1, Beta: beta, DerivativeCutoff: 1}
		var lag float64
		for i := 0; i < 60; i++ {
			target := float64(i) * 0.05 // fast ramp
			got := Update(&s, target, 16, p)
			lag = target - got
		}
		return lag
	}

	assert.Less(t, run(0.5), run(0))
}

func TestUpdate_ZeroDtIsFloored(t *testing.T) {
	t.Parallel()

	var s FilterState
	p := DefaultParams()
	Update(&s, 0, 16, p)
	got := Update(&s, 1, 0, p)
	assert.False(t, math.IsNaN(got))
	assert.False(t, math.IsInf(got, 0))
}

func TestPoseFilter_LazyStateAndReset(t *testing.T) {
	t.Parallel()

	f := NewPoseFilter(DefaultParams())
	var p pose.Pose
	p[pose.Nose] = pose.Landmark{X: 0.5, Y: 0.5, Visibility: 1}
	f.Apply(&p, 33)
	assert.Equal(t, 1, f.Tracked())

	next := p
	next[pose.Nose].X = 0.9
	f.Apply(&next, 33)
	assert.Less(t, next[pose.Nose].X, 0.9, "second sample is smoothed")

	f.Reset()
	again := p
	again[pose.Nose].X = 0.1
	f.Apply(&again, 33)
	assert.Equal(t, 0.1, again[pose.Nose].X, "first sample after reset passes through")
	assert.Equal(t, 1, f.Tracked(), "reset keeps allocated state")
}
