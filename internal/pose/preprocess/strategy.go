package preprocess

import (
	"context"
	"fmt"

	"github.com/banshee-data/pose.report/internal/video"
)

// runFrameAccurate plays the range and analyses the first decoded frame at
// or past each step boundary. It stops once media time reaches the trim end,
// on an ended event, or when playback stops making progress within the last
// step. A stall earlier in the range is ErrStalled.
func (j *Job) runFrameAccurate(ctx context.Context, n video.FrameNotifier) error {
	if err := j.seek(ctx, j.opts.TrimStartMs); err != nil {
		return err
	}

	var events <-chan video.Event
	if es, ok := j.src.(video.EventSource); ok {
		ch, cancel := es.SubscribeEvents()
		defer cancel()
		events = ch
	}
	frames, cancel := n.SubscribeFrames()
	defer cancel()

	j.src.SetPlaybackRate(j.opts.PlaybackRate)
	if err := j.src.Play(); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}

	boundary := j.opts.TrimStartMs
	lastMedia := int64(-1)
	stalls := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev == video.EventEnded {
				logf("run %s: media ended at %dms", j.runID, j.src.CurrentTimeMs())
				return nil
			}

		case <-j.opts.Clock.After(j.opts.FrameWaitTimeout):
			stalls++
			cur := j.src.CurrentTimeMs()
			logf("run %s: no frame within %s at %dms", j.runID, j.opts.FrameWaitTimeout, cur)
			if cur >= j.opts.TrimEndMs {
				return nil
			}
			if stalls >= 2 {
				if j.pastLastStep(cur) {
					return nil
				}
				return fmt.Errorf("%w: stuck at %dms of %dms", ErrStalled, cur, j.opts.TrimEndMs)
			}

		case meta, ok := <-frames:
			if !ok {
				return nil
			}
			if meta.MediaTimeMs > j.opts.TrimEndMs {
				return nil
			}
			if meta.MediaTimeMs == lastMedia {
				stalls++
				if stalls >= 2 && j.pastLastStep(meta.MediaTimeMs) {
					return nil
				}
				continue
			}
			stalls = 0
			lastMedia = meta.MediaTimeMs
			if meta.MediaTimeMs < boundary {
				continue
			}
			if err := j.analyze(ctx, meta.Image, meta.MediaTimeMs); err != nil {
				return err
			}
			if meta.MediaTimeMs >= j.opts.TrimEndMs {
				return nil
			}
			boundary = j.nextBoundary(meta.MediaTimeMs)
		}
	}
}

// pastLastStep reports whether no further step boundary fits before the
// trim end, so stopping at mediaMs loses nothing.
func (j *Job) pastLastStep(mediaMs int64) bool {
	return mediaMs >= j.opts.TrimEndMs-j.stepMs
}

// nextBoundary is the first step time strictly after mediaMs.
func (j *Job) nextBoundary(mediaMs int64) int64 {
	start := j.opts.TrimStartMs
	return start + ((mediaMs-start)/j.stepMs+1)*j.stepMs
}

// runSeek seeks to every step in the range and analyses the frame it lands
// on, keyed by the position actually reached.
func (j *Job) runSeek(ctx context.Context) error {
	for target := j.opts.TrimStartMs; target <= j.opts.TrimEndMs; target += j.stepMs {
		if err := j.seek(ctx, target); err != nil {
			return err
		}
		if err := j.analyze(ctx, nil, j.src.CurrentTimeMs()); err != nil {
			return err
		}
	}
	return nil
}

// seek waits a bounded time for the element to reach ms. A timeout is not an
// error; the job continues with whatever frame is current.
func (j *Job) seek(ctx context.Context, ms int64) error {
	done := j.src.Seek(ms)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	case <-j.opts.Clock.After(j.opts.SeekTimeout):
		logf("run %s: seek to %dms timed out, continuing at %dms", j.runID, ms, j.src.CurrentTimeMs())
	}
	return nil
}
