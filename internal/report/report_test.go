package report

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/biomech"
)

const (
	frameW = 200.0
	frameH = 300.0
)

// figure is an upright, fully visible pose raised by liftPx pixels.
func figure(liftPx float64) pose.Pose {
	var p pose.Pose
	set := func(i int, x, y float64) {
		p[i] = pose.NewLandmark(x/frameW, (y-liftPx)/frameH, 0, 1)
	}
	set(pose.Nose, 100, 20)
	set(pose.LeftShoulder, 80, 60)
	set(pose.RightShoulder, 120, 60)
	set(pose.LeftElbow, 70, 100)
	set(pose.RightElbow, 130, 100)
	set(pose.LeftWrist, 65, 140)
	set(pose.RightWrist, 135, 140)
	set(pose.LeftHip, 90, 160)
	set(pose.RightHip, 110, 160)
	set(pose.LeftKnee, 90, 220)
	set(pose.RightKnee, 110, 220)
	set(pose.LeftAnkle, 90, 280)
	set(pose.RightAnkle, 110, 280)
	return p
}

func jumpAnalysis() *pose.CachedAnalysis {
	a := &pose.CachedAnalysis{VideoID: "clip", TrimEndMs: 1200}
	for i := 0; i < 10; i++ {
		a.Frames = append(a.Frames, pose.TimedFrame{TimestampMs: int64(i * 100), Poses: pose.Frame{figure(0)}})
	}
	a.Frames = append(a.Frames,
		pose.TimedFrame{TimestampMs: 1000, Poses: pose.Frame{figure(15)}},
		pose.TimedFrame{TimestampMs: 1100, Poses: pose.Frame{}},
	)
	return a
}

func TestComputeSeries(t *testing.T) {
	s, err := ComputeSeries(jumpAnalysis(), frameW, frameH)
	require.NoError(t, err)
	require.Len(t, s.TimestampMs, 12)

	for i := 0; i < 10; i++ {
		assert.Equal(t, 0.0, s.JumpHeightPx[i], "standing frame %d", i)
		assert.InDelta(t, 0, s.LeanDeg[i], 1e-9)
		assert.InDelta(t, 180, s.JointDeg[biomech.LeftKnee][i], 1e-6)
	}
	assert.InDelta(t, 15, s.JumpHeightPx[10], 1e-6)
	assert.InDelta(t, s.CogHeightPx[0]+15, s.CogHeightPx[10], 1e-6)

	assert.True(t, math.IsNaN(s.CogHeightPx[11]), "frame without a pose")
	assert.True(t, math.IsNaN(s.JumpHeightPx[11]))
	assert.True(t, math.IsNaN(s.LeanDeg[11]))
	assert.True(t, math.IsNaN(s.JointDeg[biomech.RightElbow][11]))
}

func TestComputeSeries_Errors(t *testing.T) {
	_, err := ComputeSeries(nil, frameW, frameH)
	assert.Error(t, err)
	_, err = ComputeSeries(jumpAnalysis(), 0, frameH)
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	s, err := ComputeSeries(jumpAnalysis(), frameW, frameH)
	require.NoError(t, err)

	sum := s.Summarize()
	assert.Equal(t, 12, sum.Frames)
	assert.Equal(t, 11, sum.PosedFrames)
	assert.InDelta(t, 15, sum.MaxJumpPx, 1e-6)
	assert.InDelta(t, 0, sum.MeanLeanDeg, 1e-9)
	assert.InDelta(t, 0, sum.MaxAbsLeanDeg, 1e-9)

	knee := sum.Joints[biomech.LeftKnee]
	assert.InDelta(t, 180, knee.Min, 1e-6)
	assert.InDelta(t, 180, knee.Max, 1e-6)
}

func TestWriteHTML(t *testing.T) {
	s, err := ComputeSeries(jumpAnalysis(), frameW, frameH)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, s))
	out := buf.String()
	assert.True(t, strings.Contains(out, "Joint angles"))
	assert.True(t, strings.Contains(out, "left_knee"))
	assert.True(t, strings.Contains(out, "echarts"))
}

func TestWritePNG(t *testing.T) {
	s, err := ComputeSeries(jumpAnalysis(), frameW, frameH)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, s))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}
