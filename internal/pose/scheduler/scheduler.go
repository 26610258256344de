package scheduler

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/smoothing"
	"github.com/banshee-data/pose.report/internal/timeutil"
	"github.com/banshee-data/pose.report/internal/video"
)

var logf = monitoring.Tagged("Scheduler")

const (
	// DefaultTargetFPS is used when Options.TargetFPS is unset.
	DefaultTargetFPS = 15
	// DefaultTickInterval approximates a 60 Hz display refresh.
	DefaultTickInterval = 16 * time.Millisecond
	// DiscontinuityStepMs replaces the media delta across a seek or loop.
	DiscontinuityStepMs = 33
	// MaxFrameGapMs is the largest forward media jump treated as playback.
	MaxFrameGapMs = 1000
)

// ErrAlreadyEnabled is returned by Enable on a running scheduler.
var ErrAlreadyEnabled = errors.New("scheduler already enabled")

// Detector runs inference. *runtime.Runtime satisfies it.
type Detector interface {
	Detect(ctx context.Context, img image.Image, timestampMs int64, cfg pose.RuntimeConfig) (pose.Frame, error)
	ResetTracker()
	Snapshot() pose.RuntimeSnapshot
}

// Trigger is a state change that forces an immediate, unthrottled run.
type Trigger string

const (
	TriggerVisible Trigger = "visible"
	TriggerSeek    Trigger = "seek"
	TriggerPause   Trigger = "pause"
	TriggerPlay    Trigger = "play"
	TriggerLoaded  Trigger = "loaded"
)

// Status is the live analysis state reported to consumers.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

// Output is published after every completed detection.
type Output struct {
	Status       Status               `json:"status"`
	Poses        pose.Frame           `json:"poses"`
	InferenceFPS float64              `json:"inference_fps"`
	PoseCount    int                  `json:"pose_count"`
	MediaTimeMs  int64                `json:"media_time_ms"`
	TimestampMs  int64                `json:"timestamp_ms"`
	Diagnostics  pose.RuntimeSnapshot `json:"diagnostics"`
	Error        string               `json:"error,omitempty"`
}

// Stats counts scheduler decisions since the last Enable.
type Stats struct {
	Accepted      int `json:"accepted"`
	Dropped       int `json:"dropped"`
	TrackerResets int `json:"tracker_resets"`
	FilterClears  int `json:"filter_clears"`
}

// Options configures a Scheduler.
type Options struct {
	Runtime         pose.RuntimeConfig
	TargetFPS       float64
	ExactFrameSync  bool
	Smoothing       bool
	SmoothingParams smoothing.Params
	TickInterval    time.Duration
	Clock           timeutil.Clock
	// Visible reports whether the consumer is showing the output. Nil means
	// always visible.
	Visible func() bool
	// OnOutput is called after every completed detection, outside any lock.
	OnOutput func(Output)
}

// ticket carries one accepted frame from accept to complete.
type ticket struct {
	gen     uint64
	img     image.Image
	mediaMs int64
	tsMs    int64
	dtMs    int64
	reset   bool
	cfg     pose.RuntimeConfig
}

// Scheduler drives a Detector from one video element.
type Scheduler struct {
	src   video.Element
	det   Detector
	clock timeutil.Clock

	triggers chan Trigger
	wg       sync.WaitGroup

	mu        sync.Mutex
	opts      Options
	filter    *smoothing.PoseFilter
	fps       *monitoring.FPSMeter
	enabled   bool
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	inFlight  bool
	failed    bool
	exactSync bool

	lastAccept     time.Time
	hasAccept      bool
	prevMediaMs    int64
	hasMedia       bool
	lastFrameMedia int64
	hasFrameMedia  bool
	monoTs         int64

	out   Output
	stats Stats
}

// New creates a disabled Scheduler.
func New(src video.Element, det Detector, opts Options) *Scheduler {
	if opts.TargetFPS <= 0 {
		opts.TargetFPS = DefaultTargetFPS
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.SmoothingParams == (smoothing.Params{}) {
		opts.SmoothingParams = smoothing.DefaultParams()
	}
	return &Scheduler{
		src:      src,
		det:      det,
		clock:    opts.Clock,
		triggers: make(chan Trigger, 8),
		opts:     opts,
		filter:   smoothing.NewPoseFilter(opts.SmoothingParams),
		fps:      monitoring.NewFPSMeter(),
		out:      Output{Status: StatusIdle},
	}
}

// arm resets per-session state and marks the scheduler enabled. Caller
// holds s.mu.
func (s *Scheduler) arm() {
	s.enabled = true
	s.gen++
	s.inFlight = false
	s.failed = false
	s.hasAccept = false
	s.hasMedia = false
	s.hasFrameMedia = false
	s.monoTs = 0
	s.filter.Reset()
	s.fps.Reset()
	s.stats = Stats{}
	s.out = Output{Status: StatusLoading}
}

// Enable starts the inference loop. It runs until Disable or ctx ends.
func (s *Scheduler) Enable(ctx context.Context) error {
	s.mu.Lock()
	if s.enabled {
		s.mu.Unlock()
		return ErrAlreadyEnabled
	}
	s.arm()
	gen := s.gen
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done

	var frames <-chan video.FrameMeta
	unsubscribe := func() {}
	s.exactSync = false
	if s.opts.ExactFrameSync {
		if n, ok := s.src.(video.FrameNotifier); ok {
			frames, unsubscribe = n.SubscribeFrames()
			s.exactSync = true
		} else {
			logf("%s has no frame callbacks; using %.0f fps throttle", s.src.ID(), s.opts.TargetFPS)
		}
	}
	s.mu.Unlock()

	logf("enabled on %s (gen %d)", s.src.ID(), gen)
	go func() {
		defer close(done)
		defer unsubscribe()
		s.loop(ctx, frames)
	}()
	s.Notify(TriggerLoaded)
	return nil
}

// Disable stops the loop and clears the error state. An in-flight detection
// is canceled but not waited for; its result is discarded when it returns.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = false
	s.gen++
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = false
	s.inFlight = false
	s.filter.Reset()
	s.fps.Reset()
	s.out = Output{Status: StatusIdle}
	for len(s.triggers) > 0 {
		<-s.triggers
	}
	logf("disabled on %s", s.src.ID())
}

// Close disables the scheduler and waits for detections still running.
func (s *Scheduler) Close() {
	s.Disable()
	s.wg.Wait()
}

// Enabled reports whether the loop is running.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Notify requests an immediate run that bypasses visibility, playing and
// throttle gates. Triggers beyond the queue capacity are coalesced.
func (s *Scheduler) Notify(t Trigger) {
	select {
	case s.triggers <- t:
	default:
	}
}

// Latest returns the most recent output.
func (s *Scheduler) Latest() Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.out
	out.Poses = out.Poses.Clone()
	return out
}

// Stats returns decision counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// SetRuntimeConfig changes the config used from the next accepted frame.
func (s *Scheduler) SetRuntimeConfig(cfg pose.RuntimeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Runtime = cfg
}

// SetSmoothing toggles smoothing and updates its parameters.
func (s *Scheduler) SetSmoothing(enabled bool, p smoothing.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Smoothing = enabled
	s.filter.SetParams(p)
	if !enabled {
		s.filter.Reset()
	}
}

func (s *Scheduler) loop(ctx context.Context, frames <-chan video.FrameMeta) {
	ticker := s.clock.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			if frames != nil {
				continue
			}
			s.dispatch(ctx, now, s.src.CurrentTimeMs(), nil, false)
		case meta, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.dispatch(ctx, s.clock.Now(), meta.MediaTimeMs, meta.Image, false)
		case <-s.triggers:
			s.dispatch(ctx, s.clock.Now(), s.src.CurrentTimeMs(), nil, true)
		}
	}
}

// dispatch runs an accepted frame on its own goroutine so the loop keeps
// draining ticks, which the in-flight guard then drops.
func (s *Scheduler) dispatch(ctx context.Context, now time.Time, mediaMs int64, img image.Image, forced bool) {
	t, ok := s.accept(now, mediaMs, img, forced)
	if !ok {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		frame, err := s.run(ctx, t)
		s.complete(ctx, t, frame, err, s.clock.Now())
	}()
}

// accept applies the gates and, for an accepted frame, advances the
// monotonic inference timestamp.
func (s *Scheduler) accept(now time.Time, mediaMs int64, img image.Image, forced bool) (ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || s.failed {
		return ticket{}, false
	}
	if s.inFlight {
		s.stats.Dropped++
		return ticket{}, false
	}
	if !s.src.HasEnoughData() {
		return ticket{}, false
	}
	if !forced {
		if s.opts.Visible != nil && !s.opts.Visible() {
			return ticket{}, false
		}
		if s.src.Paused() {
			return ticket{}, false
		}
		if s.exactSync {
			if s.hasFrameMedia && mediaMs == s.lastFrameMedia {
				return ticket{}, false
			}
		} else if !s.throttle(now) {
			return ticket{}, false
		}
	} else {
		s.lastAccept, s.hasAccept = now, true
	}

	if img == nil {
		var err error
		img, err = s.src.Snapshot()
		if err != nil {
			logf("snapshot at %dms: %v", mediaMs, err)
			return ticket{}, false
		}
	}
	s.lastFrameMedia, s.hasFrameMedia = mediaMs, true

	t := ticket{gen: s.gen, img: img, mediaMs: mediaMs, cfg: s.opts.Runtime}
	t.dtMs = DiscontinuityStepMs
	if s.hasMedia {
		delta := mediaMs - s.prevMediaMs
		if delta < 0 || delta > MaxFrameGapMs {
			t.reset = true
			s.filter.Reset()
			s.stats.TrackerResets++
			s.stats.FilterClears++
			logf("discontinuity %dms -> %dms; resetting tracker", s.prevMediaMs, mediaMs)
		} else {
			t.dtMs = delta
		}
	}
	if t.dtMs < 1 {
		t.dtMs = 1
	}
	s.monoTs += t.dtMs
	t.tsMs = s.monoTs
	s.prevMediaMs, s.hasMedia = mediaMs, true

	s.inFlight = true
	s.stats.Accepted++
	return t, true
}

// throttle enforces the target-FPS interval with drift compensation.
// Caller holds s.mu.
func (s *Scheduler) throttle(now time.Time) bool {
	interval := time.Duration(float64(time.Second) / s.opts.TargetFPS)
	if !s.hasAccept {
		s.lastAccept, s.hasAccept = now, true
		return true
	}
	elapsed := now.Sub(s.lastAccept)
	if elapsed < interval {
		return false
	}
	if elapsed < 2*interval {
		s.lastAccept = now.Add(-(elapsed % interval))
	} else {
		s.lastAccept = now
	}
	return true
}

func (s *Scheduler) run(ctx context.Context, t ticket) (pose.Frame, error) {
	if t.reset {
		s.det.ResetTracker()
	}
	return s.det.Detect(ctx, t.img, t.tsMs, t.cfg)
}

func (s *Scheduler) complete(ctx context.Context, t ticket, frame pose.Frame, err error, now time.Time) {
	diag := s.det.Snapshot()

	s.mu.Lock()
	if t.gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.inFlight = false

	if err != nil {
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.failed = true
		s.out = Output{
			Status:      StatusError,
			MediaTimeMs: t.mediaMs,
			TimestampMs: t.tsMs,
			Diagnostics: diag,
			Error:       err.Error(),
		}
		logf("inference failed on %s, stopping: %v", s.src.ID(), err)
	} else {
		frame = frame.Clone()
		if s.opts.Smoothing && len(frame) > 0 {
			s.filter.Apply(&frame[0], float64(t.dtMs))
		}
		s.out = Output{
			Status:       StatusRunning,
			Poses:        frame,
			InferenceFPS: s.fps.Tick(now),
			PoseCount:    len(frame),
			MediaTimeMs:  t.mediaMs,
			TimestampMs:  t.tsMs,
			Diagnostics:  diag,
		}
	}
	out := s.out
	out.Poses = out.Poses.Clone()
	cb := s.opts.OnOutput
	s.mu.Unlock()

	if cb != nil {
		cb(out)
	}
}
