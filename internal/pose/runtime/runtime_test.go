package runtime

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.report/internal/fsutil"
	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose"
)

func init() {
	monitoring.SetLogger(func(string, ...interface{}) {})
}

type loadCall struct {
	variant  string
	delegate Delegate
}

// fakeLoader records every load and the timestamps each session sees.
type fakeLoader struct {
	mu        sync.Mutex
	failGPU   bool
	failCPU   bool
	detectErr error
	loads     []loadCall
	sessions  []*fakeSession
}

func (l *fakeLoader) Load(_ context.Context, v pose.Variant, d Delegate, cfg pose.RuntimeConfig) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads = append(l.loads, loadCall{v.Name, d})
	if (d == DelegateGPU && l.failGPU) || (d == DelegateCPU && l.failCPU) {
		return nil, errors.New("no " + string(d))
	}
	s := &fakeSession{loader: l, cfg: cfg}
	l.sessions = append(l.sessions, s)
	return s, nil
}

type fakeSession struct {
	loader     *fakeLoader
	cfg        pose.RuntimeConfig
	timestamps []int64
	setOptions int
	closed     int
}

func (s *fakeSession) Detect(_ context.Context, _ image.Image, ts int64) (pose.Frame, error) {
	if s.loader.detectErr != nil {
		return nil, s.loader.detectErr
	}
	s.timestamps = append(s.timestamps, ts)
	frame := make(pose.Frame, s.cfg.EffectiveNumPoses())
	for i := range frame {
		frame[i][pose.Nose] = pose.NewLandmark(0.5, 0.2, 0, 1)
	}
	return frame, nil
}

func (s *fakeSession) SetOptions(_ context.Context, cfg pose.RuntimeConfig) error {
	s.cfg = cfg
	s.setOptions++
	return nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

func testImage() image.Image { return image.NewRGBA(image.Rect(0, 0, 4, 4)) }

func TestRuntime_TrackingTimestampRule(t *testing.T) {
	t.Parallel()
	l := &fakeLoader{}
	rt := New(l, Options{})
	cfg := pose.DefaultRuntimeConfig()
	ctx := context.Background()

	for _, ts := range []int64{10, 43, 76} {
		_, err := rt.Detect(ctx, testImage(), ts, cfg)
		require.NoError(t, err)
	}
	require.Len(t, l.sessions, 1, "increasing timestamps must not reload")

	// Equal timestamp is a discontinuity.
	_, err := rt.Detect(ctx, testImage(), 76, cfg)
	require.NoError(t, err)
	require.Len(t, l.sessions, 2)
	assert.Equal(t, 1, l.sessions[0].closed)
	assert.Equal(t, []int64{76}, l.sessions[1].timestamps)

	// Earlier timestamp also resets.
	_, err = rt.Detect(ctx, testImage(), 5, cfg)
	require.NoError(t, err)
	assert.Len(t, l.sessions, 3)
}

func TestRuntime_ResetTracker(t *testing.T) {
	t.Parallel()
	l := &fakeLoader{}
	rt := New(l, Options{})
	cfg := pose.DefaultRuntimeConfig()
	ctx := context.Background()

	_, err := rt.Detect(ctx, testImage(), 1, cfg)
	require.NoError(t, err)
	rt.ResetTracker()
	_, err = rt.Detect(ctx, testImage(), 2, cfg)
	require.NoError(t, err)
	assert.Len(t, l.sessions, 2)
}

func TestRuntime_GPUFallback(t *testing.T) {
	t.Parallel()
	l := &fakeLoader{failGPU: true}
	rt := New(l, Options{})
	cfg := pose.DefaultRuntimeConfig()

	_, err := rt.Detect(context.Background(), testImage(), 1, cfg)
	require.NoError(t, err)
	assert.Equal(t, []loadCall{{"full", DelegateGPU}, {"full", DelegateCPU}}, l.loads)
	assert.Equal(t, pose.RuntimeSnapshot{ActiveModelVariant: "full", ActiveDelegate: "cpu"}, rt.Snapshot())
	assert.Equal(t, cfg, l.sessions[0].cfg, "CPU session gets identical options")
}

func TestRuntime_AllDelegatesFail(t *testing.T) {
	t.Parallel()
	l := &fakeLoader{failGPU: true, failCPU: true}
	rt := New(l, Options{})

	_, err := rt.Detect(context.Background(), testImage(), 1, pose.DefaultRuntimeConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gpu")
	assert.Contains(t, err.Error(), "cpu")
}

func TestRuntime_OptionsAppliedInPlace(t *testing.T) {
	t.Parallel()
	l := &fakeLoader{}
	rt := New(l, Options{})
	cfg := pose.DefaultRuntimeConfig()
	ctx := context.Background()

	_, err := rt.Detect(ctx, testImage(), 1, cfg)
	require.NoError(t, err)

	cfg.MinDetectionConfidence = 0.7
	_, err = rt.Detect(ctx, testImage(), 2, cfg)
	require.NoError(t, err)
	_, err = rt.Detect(ctx, testImage(), 3, cfg)
	require.NoError(t, err)

	require.Len(t, l.sessions, 1)
	assert.Equal(t, 1, l.sessions[0].setOptions)
	assert.Equal(t, 0.7, l.sessions[0].cfg.MinDetectionConfidence)
}

func TestRuntime_VariantSwap(t *testing.T) {
	t.Parallel()
	l := &fakeLoader{}
	fs := fsutil.NewMemoryFileSystem()
	fs.AddFile("models/yolo26/yolo26n-pose.onnx", []byte("onnx"))
	rt := New(l, Options{FS: fs, ModelDir: "models"})
	ctx := context.Background()

	cfg := pose.DefaultRuntimeConfig()
	_, err := rt.Detect(ctx, testImage(), 1, cfg)
	require.NoError(t, err)

	cfg.ModelVariant = "yolo26n"
	_, err = rt.Detect(ctx, testImage(), 1, cfg)
	require.NoError(t, err)

	require.Len(t, l.sessions, 2)
	assert.Equal(t, 1, l.sessions[0].closed, "old backend destroyed")
	assert.Equal(t, "yolo26n", rt.Snapshot().ActiveModelVariant)
}

func TestRuntime_BoxFamilyIgnoresTimestamps(t *testing.T) {
	t.Parallel()
	l := &fakeLoader{}
	fs := fsutil.NewMemoryFileSystem()
	fs.AddFile("m/yolo26/yolo26s-pose.onnx", []byte("onnx"))
	rt := New(l, Options{FS: fs, ModelDir: "m"})
	cfg := pose.DefaultRuntimeConfig()
	cfg.ModelVariant = "yolo26s"
	cfg.AllowMultiPerson = true
	cfg.NumPoses = 2

	for _, ts := range []int64{100, 50, 50, 0} {
		frame, err := rt.Detect(context.Background(), testImage(), ts, cfg)
		require.NoError(t, err)
		assert.Len(t, frame, 2)
	}
	assert.Len(t, l.sessions, 1)
}

func TestRuntime_BoxAssetMissing(t *testing.T) {
	t.Parallel()
	l := &fakeLoader{}
	rt := New(l, Options{FS: fsutil.NewMemoryFileSystem(), ModelDir: "models"})
	cfg := pose.DefaultRuntimeConfig()
	cfg.ModelVariant = "yolo26m"

	_, err := rt.Detect(context.Background(), testImage(), 1, cfg)
	require.ErrorIs(t, err, ErrModelAssetMissing)
	assert.Empty(t, l.loads, "loader must not be called without the asset")

	require.ErrorIs(t, rt.Prepare(context.Background(), cfg), ErrModelAssetMissing)
}

func TestRuntime_UnknownVariant(t *testing.T) {
	t.Parallel()
	rt := New(&fakeLoader{}, Options{})
	cfg := pose.DefaultRuntimeConfig()
	cfg.ModelVariant = "giant"

	_, err := rt.Detect(context.Background(), testImage(), 1, cfg)
	require.ErrorIs(t, err, ErrUnknownVariant)
}

func TestRuntime_DetectErrorIsWrapped(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	rt := New(&fakeLoader{detectErr: boom}, Options{})

	_, err := rt.Detect(context.Background(), testImage(), 1, pose.DefaultRuntimeConfig())
	require.ErrorIs(t, err, boom)
}

func TestRuntime_CloseIdempotent(t *testing.T) {
	t.Parallel()
	l := &fakeLoader{}
	rt := New(l, Options{})
	cfg := pose.DefaultRuntimeConfig()

	require.NoError(t, rt.Prepare(context.Background(), cfg))
	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())
	assert.Equal(t, 1, l.sessions[0].closed)
	assert.Equal(t, pose.RuntimeSnapshot{}, rt.Snapshot())

	_, err := rt.Detect(context.Background(), testImage(), 1, cfg)
	require.ErrorIs(t, err, ErrClosed)
}

func TestTrackState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "tracking", stateTracking.String())
	assert.Equal(t, "needsReset", stateNeedsReset.String())
}
