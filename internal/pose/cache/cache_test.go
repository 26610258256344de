package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose"
)

func init() {
	monitoring.SetLogger(func(string, ...interface{}) {})
}

// uniformPose places every landmark at (x, y) with the given visibility.
func uniformPose(x, y, vis float64) pose.Pose {
	var p pose.Pose
	for i := range p {
		p[i] = pose.Landmark{X: x, Y: y, Z: -x, Visibility: vis}
	}
	return p
}

func frames() []pose.TimedFrame {
	return []pose.TimedFrame{
		{TimestampMs: 0, Poses: pose.Frame{uniformPose(0.1, 0.2, 1)}},
		{TimestampMs: 100, Poses: pose.Frame{uniformPose(0.3, 0.4, 0.5)}},
		{TimestampMs: 200, Poses: pose.Frame{uniformPose(0.5, 0.6, 1), uniformPose(0.9, 0.9, 1)}},
		{TimestampMs: 300, Poses: pose.Frame{}},
	}
}

func TestKey(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "pose:clip-1:0-5000", Key("clip-1", 0, 5000))
	assert.Equal(t, Key("v", 1, 2), Key("v", 1, 2))
	assert.NotEqual(t, Key("v", 1, 2), Key("v", 1, 3))
}

func TestLookup(t *testing.T) {
	t.Parallel()
	fs := frames()
	tests := []struct {
		ts   int64
		want int64
	}{
		{-50, 0},
		{0, 0},
		{49, 0},
		{50, 0}, // tie prefers the earlier frame
		{51, 100},
		{260, 300},
		{900, 300},
	}
	for _, tt := range tests {
		got, ok := Lookup(fs, tt.ts)
		require.True(t, ok)
		assert.Equal(t, tt.want, got.TimestampMs, "ts=%d", tt.ts)
	}

	_, ok := Lookup(nil, 10)
	assert.False(t, ok)
}

func TestLookupInterpolated_ExactHitUnmodified(t *testing.T) {
	t.Parallel()
	fs := frames()
	got, ok := LookupInterpolated(fs, 100)
	require.True(t, ok)
	if diff := cmp.Diff(fs[1], got); diff != "" {
		t.Errorf("exact hit drifted (-want +got):\n%s", diff)
	}
}

func TestLookupInterpolated_Blend(t *testing.T) {
	t.Parallel()
	got, ok := LookupInterpolated(frames(), 25)
	require.True(t, ok)
	assert.Equal(t, int64(25), got.TimestampMs)
	require.Len(t, got.Poses, 1)

	lm := got.Poses[0][pose.LeftHip]
	assert.InDelta(t, 0.15, lm.X, 1e-9)
	assert.InDelta(t, 0.25, lm.Y, 1e-9)
	assert.InDelta(t, -0.15, lm.Z, 1e-9)
	assert.InDelta(t, 0.875, lm.Visibility, 1e-9)
}

func TestLookupInterpolated_MismatchedPoseCount(t *testing.T) {
	t.Parallel()
	fs := frames()

	// 100 has one pose, 200 has two: nearest frame, never a blend.
	got, ok := LookupInterpolated(fs, 160)
	require.True(t, ok)
	if diff := cmp.Diff(fs[2], got); diff != "" {
		t.Errorf("expected nearest frame (-want +got):\n%s", diff)
	}

	got, ok = LookupInterpolated(fs, 140)
	require.True(t, ok)
	assert.Equal(t, int64(100), got.TimestampMs)
}

func TestLookupInterpolated_OutOfRange(t *testing.T) {
	t.Parallel()
	fs := frames()
	got, _ := LookupInterpolated(fs, -10)
	assert.Equal(t, int64(0), got.TimestampMs)
	got, _ = LookupInterpolated(fs, 1000)
	assert.Equal(t, int64(300), got.TimestampMs)
}

func analysis(videoID string, start, end int64) *pose.CachedAnalysis {
	return &pose.CachedAnalysis{
		VideoID:      videoID,
		ModelVariant: "yolo26n",
		TargetFPS:    15,
		TrimStartMs:  start,
		TrimEndMs:    end,
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Frames:       frames(),
	}
}

func TestManager_SaveReplacesOtherTrims(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	require.NoError(t, m.Save(ctx, analysis("v1", 0, 1000)))
	require.NoError(t, m.Save(ctx, analysis("v2", 0, 1000)))
	require.NoError(t, m.Save(ctx, analysis("v1", 200, 800)))

	ids, err := store.IDsByVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{Key("v1", 200, 800)}, ids)

	ids, err = store.IDsByVideo(ctx, "v2")
	require.NoError(t, err)
	assert.Len(t, ids, 1, "other videos untouched")

	_, err = m.Load(ctx, "v1", 0, 1000)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestManager_SameTrimMostRecentWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	require.NoError(t, m.Save(ctx, analysis("v1", 0, 1000)))
	newer := analysis("v1", 0, 1000)
	newer.ModelVariant = "yolo26x"
	newer.TargetFPS = 30
	require.NoError(t, m.Save(ctx, newer))

	got, err := m.Load(ctx, "v1", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, "yolo26x", got.ModelVariant)

	all, err := m.ListByVideo(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestManager_SaveRejectsInvalid(t *testing.T) {
	t.Parallel()
	m := NewManager(NewMemoryStore())
	bad := analysis("v1", 0, 1000)
	bad.Frames[1].TimestampMs = 0
	require.Error(t, m.Save(context.Background(), bad))

	inverted := analysis("v1", 500, 100)
	require.Error(t, m.Save(context.Background(), inverted))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()
	a := analysis("v", 0, 10)
	a.ID = "x"
	require.NoError(t, s.Put(ctx, a))

	a.Frames[0].Poses[0][0].X = 0.99
	got, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 0.1, got.Frames[0].Poses[0][0].X)

	got.Frames[0].Poses[0][0].X = 0.77
	again, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 0.1, again.Frames[0].Poses[0][0].X)
}

func TestCodec_RoundTrip(t *testing.T) {
	t.Parallel()
	in := frames()
	in[0].TimestampMs = -33

	out, err := DecodeFrames(EncodeFrames(in))
	require.NoError(t, err)
	if diff := cmp.Diff(in, out, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	empty, err := DecodeFrames(EncodeFrames(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCodec_Corrupt(t *testing.T) {
	t.Parallel()
	_, err := DecodeFrames([]byte("not zstd"))
	require.ErrorIs(t, err, ErrCorruptBlob)
}
