package preprocess

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/cache"
	"github.com/banshee-data/pose.report/internal/timeutil"
	"github.com/banshee-data/pose.report/internal/video"
)

var logf = monitoring.Tagged("Preprocess")

// ErrNoFrames is returned when a pass completes without recording a single
// frame. A frame with no detected pose still counts as recorded.
var ErrNoFrames = errors.New("preprocessing produced no frames")

// ErrStalled is returned when playback stops delivering frames before the
// last step of the range. The partial pass is discarded.
var ErrStalled = errors.New("playback stalled before the trim end")

const (
	DefaultSeekTimeout      = 2 * time.Second
	DefaultFrameWaitTimeout = 3 * time.Second
)

// Strategy names how the clip is traversed.
type Strategy string

const (
	StrategyFrameAccurate Strategy = "frame"
	StrategySeek          Strategy = "seek"
)

// Status is the progress state reported to consumers.
type Status string

const (
	StatusAnalyzing Status = "analyzing"
	StatusReady     Status = "ready"
	StatusError     Status = "error"
)

// Progress is delivered after every recorded frame and once on completion.
type Progress struct {
	Status     Status  `json:"status"`
	Fraction   float64 `json:"progress"`
	ETASeconds float64 `json:"eta_seconds"`
	Frames     int     `json:"frames"`
}

// Detector runs inference. *runtime.Runtime satisfies it.
type Detector interface {
	Detect(ctx context.Context, img image.Image, timestampMs int64, cfg pose.RuntimeConfig) (pose.Frame, error)
	ResetTracker()
}

// RunRecorder keeps an audit trail of passes. The sqlite store satisfies it.
type RunRecorder interface {
	StartRun(ctx context.Context, run pose.PreprocessRun) error
	FinishRun(ctx context.Context, runID, status string, frameCount int, runErr error, finishedAt time.Time) error
}

// Options configures one pass.
type Options struct {
	// VideoID defaults to the element's ID.
	VideoID     string
	TrimStartMs int64
	// TrimEndMs defaults to the element's duration when zero.
	TrimEndMs int64
	TargetFPS float64
	Runtime   pose.RuntimeConfig

	SeekTimeout      time.Duration
	FrameWaitTimeout time.Duration
	// PlaybackRate is used by the frame-accurate strategy.
	PlaybackRate float64
	// ForceSeek disables the frame-accurate strategy.
	ForceSeek bool

	Clock      timeutil.Clock
	OnProgress func(Progress)
	Recorder   RunRecorder
}

// Job is a single preprocessing pass. It is not reusable.
type Job struct {
	src   video.Element
	det   Detector
	cache *cache.Manager
	opts  Options

	runID    string
	strategy Strategy
	stepMs   int64
	started  time.Time
	frames   []pose.TimedFrame
	lastTs   int64
}

// New validates opts against src and prepares a job.
func New(src video.Element, det Detector, mgr *cache.Manager, opts Options) (*Job, error) {
	if src == nil || det == nil || mgr == nil {
		return nil, fmt.Errorf("preprocess needs an element, a detector and a cache manager")
	}
	if opts.VideoID == "" {
		opts.VideoID = src.ID()
	}
	if opts.TrimEndMs == 0 {
		opts.TrimEndMs = src.DurationMs()
	}
	if opts.TrimStartMs < 0 || opts.TrimEndMs < opts.TrimStartMs {
		return nil, fmt.Errorf("invalid trim range [%d, %d]", opts.TrimStartMs, opts.TrimEndMs)
	}
	if opts.TargetFPS <= 0 || math.IsNaN(opts.TargetFPS) {
		return nil, fmt.Errorf("target fps must be positive, got %f", opts.TargetFPS)
	}
	if err := opts.Runtime.Validate(); err != nil {
		return nil, err
	}
	if opts.SeekTimeout <= 0 {
		opts.SeekTimeout = DefaultSeekTimeout
	}
	if opts.FrameWaitTimeout <= 0 {
		opts.FrameWaitTimeout = DefaultFrameWaitTimeout
	}
	if opts.PlaybackRate <= 0 {
		opts.PlaybackRate = 1
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	j := &Job{
		src:      src,
		det:      det,
		cache:    mgr,
		opts:     opts,
		runID:    uuid.New().String(),
		strategy: StrategySeek,
		stepMs:   StepMs(opts.TargetFPS),
		lastTs:   -1,
	}
	if _, ok := src.(video.FrameNotifier); ok && !opts.ForceSeek {
		j.strategy = StrategyFrameAccurate
	}
	return j, nil
}

// StepMs is the sampling step for fps, never less than 1 ms.
func StepMs(fps float64) int64 {
	step := int64(math.Round(1000 / fps))
	if step < 1 {
		return 1
	}
	return step
}

// RunID identifies this pass in the run log and the cached analysis.
func (j *Job) RunID() string { return j.runID }

// Strategy reports the traversal strategy selected for the element.
func (j *Job) Strategy() Strategy { return j.strategy }

// Run executes the pass. The analysis is persisted only when every step
// completes; on error or cancellation the cache is left untouched.
func (j *Job) Run(ctx context.Context) (*pose.CachedAnalysis, error) {
	j.started = j.opts.Clock.Now()
	j.record(ctx)

	logf("run %s: %s [%d, %d] every %dms using %s strategy",
		j.runID, j.opts.VideoID, j.opts.TrimStartMs, j.opts.TrimEndMs, j.stepMs, j.strategy)

	state := video.Capture(j.src)
	a, err := j.traverse(ctx)
	j.restore(state)

	if err != nil {
		j.finish(err)
		return nil, err
	}
	if err := j.cache.Save(ctx, a); err != nil {
		err = fmt.Errorf("save analysis: %w", err)
		j.finish(err)
		return nil, err
	}
	j.finish(nil)
	j.progress(StatusReady, 1)
	return a, nil
}

func (j *Job) traverse(ctx context.Context) (*pose.CachedAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.det.ResetTracker()
	j.src.Pause()
	j.src.SetMuted(true)

	var err error
	if j.strategy == StrategyFrameAccurate {
		err = j.runFrameAccurate(ctx, j.src.(video.FrameNotifier))
	} else {
		err = j.runSeek(ctx)
	}
	j.src.Pause()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(j.frames) == 0 {
		return nil, ErrNoFrames
	}

	return &pose.CachedAnalysis{
		VideoID:          j.opts.VideoID,
		RunID:            j.runID,
		ModelVariant:     j.opts.Runtime.ModelVariant,
		TargetFPS:        j.opts.TargetFPS,
		AllowMultiPerson: j.opts.Runtime.AllowMultiPerson,
		TrimStartMs:      j.opts.TrimStartMs,
		TrimEndMs:        j.opts.TrimEndMs,
		CreatedAt:        j.opts.Clock.Now().UTC(),
		Frames:           j.frames,
	}, nil
}

// analyze runs inference on img and records it at mediaMs.
func (j *Job) analyze(ctx context.Context, img image.Image, mediaMs int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if img == nil {
		var err error
		if img, err = j.src.Snapshot(); err != nil {
			return fmt.Errorf("snapshot at %dms: %w", mediaMs, err)
		}
	}

	// Tracking models need strictly increasing timestamps even when two
	// steps land on the same media time.
	ts := mediaMs
	if ts <= j.lastTs {
		ts = j.lastTs + 1
	}
	frame, err := j.det.Detect(ctx, img, ts, j.opts.Runtime)
	if err != nil {
		return err
	}
	j.lastTs = ts
	if frame == nil {
		frame = pose.Frame{}
	}

	n := len(j.frames)
	switch {
	case n > 0 && j.frames[n-1].TimestampMs == mediaMs:
		j.frames[n-1].Poses = frame
	case n > 0 && j.frames[n-1].TimestampMs > mediaMs:
		logf("run %s: dropping frame at %dms behind %dms", j.runID, mediaMs, j.frames[n-1].TimestampMs)
		return nil
	default:
		j.frames = append(j.frames, pose.TimedFrame{TimestampMs: mediaMs, Poses: frame})
	}
	j.progress(StatusAnalyzing, j.fraction(mediaMs))
	return nil
}

func (j *Job) fraction(mediaMs int64) float64 {
	span := j.opts.TrimEndMs - j.opts.TrimStartMs
	if span <= 0 {
		return 1
	}
	f := float64(mediaMs-j.opts.TrimStartMs) / float64(span)
	return math.Max(0, math.Min(1, f))
}

func (j *Job) progress(status Status, fraction float64) {
	if j.opts.OnProgress == nil {
		return
	}
	p := Progress{Status: status, Fraction: fraction, Frames: len(j.frames)}
	if fraction > 0 && fraction < 1 {
		elapsed := j.opts.Clock.Since(j.started).Seconds()
		p.ETASeconds = elapsed/fraction - elapsed
	}
	j.opts.OnProgress(p)
}

// restore puts the element back the way the caller left it, waiting a
// bounded time for the position seek.
func (j *Job) restore(state video.PlaybackState) {
	done := video.Restore(j.src, state)
	select {
	case <-done:
	case <-j.opts.Clock.After(j.opts.SeekTimeout):
		logf("run %s: restore seek to %dms timed out", j.runID, state.PositionMs)
	}
}

func (j *Job) record(ctx context.Context) {
	if j.opts.Recorder == nil {
		return
	}
	run := pose.PreprocessRun{
		RunID:        j.runID,
		VideoID:      j.opts.VideoID,
		ModelVariant: j.opts.Runtime.ModelVariant,
		TargetFPS:    j.opts.TargetFPS,
		TrimStartMs:  j.opts.TrimStartMs,
		TrimEndMs:    j.opts.TrimEndMs,
		Strategy:     string(j.strategy),
		Status:       string(StatusAnalyzing),
		StartedAt:    j.started.UTC(),
	}
	if err := j.opts.Recorder.StartRun(ctx, run); err != nil {
		logf("run %s: failed to record start: %v", j.runID, err)
	}
}

func (j *Job) finish(runErr error) {
	status := string(StatusReady)
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = "canceled"
	case runErr != nil:
		status = string(StatusError)
		j.progress(StatusError, 0)
	}
	if runErr != nil {
		logf("run %s: %s after %d frames: %v", j.runID, status, len(j.frames), runErr)
	}
	if j.opts.Recorder == nil {
		return
	}
	// The run's context may already be canceled; the audit row is written
	// regardless.
	err := j.opts.Recorder.FinishRun(context.Background(), j.runID, status, len(j.frames), runErr, j.opts.Clock.Now().UTC())
	if err != nil {
		logf("run %s: failed to record finish: %v", j.runID, err)
	}
}
