// Package video defines the playback element the pose pipeline drives.
// Decoding and containers live behind this interface; see framedir for an
// image-sequence implementation.
package video

import "image"

// Element is a seekable, playable video source with pixel access.
type Element interface {
	// ID identifies the clip for caching.
	ID() string
	DurationMs() int64
	CurrentTimeMs() int64
	// Size is the frame size in pixels.
	Size() (width, height int)
	// HasEnoughData reports whether the current frame is decoded.
	HasEnoughData() bool

	Paused() bool
	Play() error
	Pause()
	// Seek starts a seek and returns a channel closed once it completes.
	Seek(ms int64) <-chan struct{}

	PlaybackRate() float64
	SetPlaybackRate(rate float64)
	Muted() bool
	SetMuted(muted bool)

	// Snapshot returns the pixels at the current position.
	Snapshot() (image.Image, error)
}

// FrameMeta describes one decoded frame as it is presented.
type FrameMeta struct {
	MediaTimeMs     int64
	PresentedFrames uint64
	Image           image.Image
}

// FrameNotifier is implemented by elements that report every decoded frame.
type FrameNotifier interface {
	// SubscribeFrames delivers presented frames until cancel is called.
	// Slow receivers miss frames rather than block playback.
	SubscribeFrames() (frames <-chan FrameMeta, cancel func())
}

// Event is a playback state change.
type Event string

const (
	EventLoaded Event = "loaded"
	EventPlay   Event = "play"
	EventPause  Event = "pause"
	EventSeeked Event = "seeked"
	EventEnded  Event = "ended"
)

// EventSource is implemented by elements that report state changes.
type EventSource interface {
	SubscribeEvents() (events <-chan Event, cancel func())
}

// PlaybackState captures what a temporary takeover must restore.
type PlaybackState struct {
	PositionMs int64
	Rate       float64
	Paused     bool
	Muted      bool
}

// Capture records the element's playback state.
func Capture(e Element) PlaybackState {
	return PlaybackState{
		PositionMs: e.CurrentTimeMs(),
		Rate:       e.PlaybackRate(),
		Paused:     e.Paused(),
		Muted:      e.Muted(),
	}
}

// Restore puts the element back into s. The returned channel closes when
// the position seek completes.
func Restore(e Element, s PlaybackState) <-chan struct{} {
	e.Pause()
	e.SetPlaybackRate(s.Rate)
	e.SetMuted(s.Muted)
	done := e.Seek(s.PositionMs)
	if !s.Paused {
		_ = e.Play()
	}
	return done
}
