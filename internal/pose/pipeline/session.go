// Package pipeline ties one video element to a runtime, a live scheduler and
// the analysis cache, and keeps preprocessing and live inference from ever
// sharing the backend at the same time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose"
	"github.com/banshee-data/pose.report/internal/pose/cache"
	"github.com/banshee-data/pose.report/internal/pose/preprocess"
	"github.com/banshee-data/pose.report/internal/pose/scheduler"
	"github.com/banshee-data/pose.report/internal/pose/smoothing"
	"github.com/banshee-data/pose.report/internal/timeutil"
	"github.com/banshee-data/pose.report/internal/video"
)

var logf = monitoring.Tagged("Pipeline")

// ErrBusy is returned by Preprocess while another pass is running.
var ErrBusy = errors.New("preprocessing already running")

// Options configures a Session.
type Options struct {
	Runtime         pose.RuntimeConfig
	TargetFPS       float64
	ExactFrameSync  bool
	Smoothing       bool
	SmoothingParams smoothing.Params

	SeekTimeout      time.Duration
	FrameWaitTimeout time.Duration
	PlaybackRate     float64
	// ForceSeek preprocesses by seeking even when the element reports
	// decoded frames.
	ForceSeek bool

	Clock    timeutil.Clock
	Visible  func() bool
	Recorder preprocess.RunRecorder

	OnOutput   func(scheduler.Output)
	OnProgress func(preprocess.Progress)
}

// Source reports which path produced a PosesAt result.
type Source string

const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
	SourceNone  Source = "none"
)

// Session owns the live scheduler for one element.
type Session struct {
	src   video.Element
	det   scheduler.Detector
	cache *cache.Manager
	opts  Options
	sched *scheduler.Scheduler

	mu            sync.Mutex
	liveCtx       context.Context
	stopEvents    func()
	eventsDone    chan struct{}
	analysis      *pose.CachedAnalysis
	preprocessing bool
}

// New creates a Session with live inference disabled.
func New(src video.Element, det scheduler.Detector, mgr *cache.Manager, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	s := &Session{src: src, det: det, cache: mgr, opts: opts}
	s.sched = scheduler.New(src, det, scheduler.Options{
		Runtime:         opts.Runtime,
		TargetFPS:       opts.TargetFPS,
		ExactFrameSync:  opts.ExactFrameSync,
		Smoothing:       opts.Smoothing,
		SmoothingParams: opts.SmoothingParams,
		Clock:           opts.Clock,
		Visible:         opts.Visible,
		OnOutput:        opts.OnOutput,
	})
	return s
}

// Scheduler exposes the live scheduler for status and stats.
func (s *Session) Scheduler() *scheduler.Scheduler { return s.sched }

// EnableLive starts live inference and forwards element events to the
// scheduler as triggers. ctx bounds the live session.
func (s *Session) EnableLive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preprocessing {
		return ErrBusy
	}
	return s.enableLocked(ctx)
}

func (s *Session) enableLocked(ctx context.Context) error {
	if err := s.sched.Enable(ctx); err != nil {
		return err
	}
	s.liveCtx = ctx
	if es, ok := s.src.(video.EventSource); ok {
		events, cancel := es.SubscribeEvents()
		done := make(chan struct{})
		s.stopEvents, s.eventsDone = cancel, done
		go s.forward(ctx, events, done)
	}
	return nil
}

// forward maps element events to scheduler triggers until done is closed
// or the element closes its event channel.
func (s *Session) forward(ctx context.Context, events <-chan video.Event, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if t, ok := TriggerFor(ev); ok {
				s.sched.Notify(t)
			}
		}
	}
}

// TriggerFor maps an element event to the scheduler trigger it forces.
func TriggerFor(ev video.Event) (scheduler.Trigger, bool) {
	switch ev {
	case video.EventLoaded:
		return scheduler.TriggerLoaded, true
	case video.EventPlay:
		return scheduler.TriggerPlay, true
	case video.EventPause, video.EventEnded:
		return scheduler.TriggerPause, true
	case video.EventSeeked:
		return scheduler.TriggerSeek, true
	}
	return "", false
}

// DisableLive stops live inference. It is a no-op when already disabled.
func (s *Session) DisableLive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableLocked()
	s.liveCtx = nil
}

func (s *Session) disableLocked() {
	if s.stopEvents != nil {
		close(s.eventsDone)
		s.stopEvents()
		s.stopEvents, s.eventsDone = nil, nil
	}
	s.sched.Disable()
}

// NotifyVisible tells the live scheduler the view became visible again.
func (s *Session) NotifyVisible() { s.sched.Notify(scheduler.TriggerVisible) }

// Preprocess runs a cached pass over [trimStartMs, trimEndMs]. Live
// inference is paused for the duration. On success the analysis is loaded
// and live inference stays off; on failure live inference is resumed if it
// was running, and the error is returned as a warning to the caller.
func (s *Session) Preprocess(ctx context.Context, trimStartMs, trimEndMs int64) (*pose.CachedAnalysis, error) {
	s.mu.Lock()
	if s.preprocessing {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.preprocessing = true
	wasLive := s.sched.Enabled()
	liveCtx := s.liveCtx
	if wasLive {
		s.disableLocked()
	}
	s.mu.Unlock()

	a, err := s.runJob(ctx, trimStartMs, trimEndMs)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.preprocessing = false
	if err == nil {
		s.analysis = a
		s.liveCtx = nil
		return a, nil
	}
	if wasLive && liveCtx != nil && liveCtx.Err() == nil {
		logf("preprocessing %s failed, falling back to live inference: %v", s.src.ID(), err)
		if lerr := s.enableLocked(liveCtx); lerr != nil {
			logf("re-enabling live inference on %s: %v", s.src.ID(), lerr)
		}
	}
	return nil, err
}

func (s *Session) runJob(ctx context.Context, trimStartMs, trimEndMs int64) (*pose.CachedAnalysis, error) {
	job, err := preprocess.New(s.src, s.det, s.cache, preprocess.Options{
		TrimStartMs:      trimStartMs,
		TrimEndMs:        trimEndMs,
		TargetFPS:        s.preprocessFPS(),
		Runtime:          s.opts.Runtime,
		SeekTimeout:      s.opts.SeekTimeout,
		FrameWaitTimeout: s.opts.FrameWaitTimeout,
		PlaybackRate:     s.opts.PlaybackRate,
		ForceSeek:        s.opts.ForceSeek,
		Clock:            s.opts.Clock,
		OnProgress:       s.opts.OnProgress,
		Recorder:         s.opts.Recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("preprocess %s: %w", s.src.ID(), err)
	}
	return job.Run(ctx)
}

func (s *Session) preprocessFPS() float64 {
	if s.opts.TargetFPS > 0 {
		return s.opts.TargetFPS
	}
	return scheduler.DefaultTargetFPS
}

// LoadCached loads a previously stored analysis for the element.
func (s *Session) LoadCached(ctx context.Context, trimStartMs, trimEndMs int64) (*pose.CachedAnalysis, error) {
	a, err := s.cache.Load(ctx, s.src.ID(), trimStartMs, trimEndMs)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysis = a
	return a, nil
}

// Analysis returns the loaded analysis, if any.
func (s *Session) Analysis() *pose.CachedAnalysis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analysis
}

// PosesAt returns the poses to draw at media time ts. A loaded analysis is
// sampled with interpolation; otherwise the latest live output is used.
func (s *Session) PosesAt(ts int64) (pose.Frame, Source) {
	s.mu.Lock()
	a := s.analysis
	s.mu.Unlock()

	if a != nil {
		if f, ok := cache.LookupInterpolated(a.Frames, ts); ok {
			return f.Poses, SourceCache
		}
	}
	if out := s.sched.Latest(); out.Status == scheduler.StatusRunning {
		return out.Poses, SourceLive
	}
	return nil, SourceNone
}

// Close disables live inference and waits for detections still running.
func (s *Session) Close() {
	s.DisableLive()
	s.sched.Close()
}
