package cache

import (
	"sort"

	"github.com/banshee-data/pose.report/internal/pose"
)

// search returns the index of the first frame at or after ts.
func search(frames []pose.TimedFrame, ts int64) int {
	return sort.Search(len(frames), func(i int) bool { return frames[i].TimestampMs >= ts })
}

// nearestIndex picks the closest frame to ts, preferring the earlier one
// on ties and clamping to the boundaries.
func nearestIndex(frames []pose.TimedFrame, ts int64) int {
	i := search(frames, ts)
	switch {
	case i == 0:
		return 0
	case i == len(frames):
		return len(frames) - 1
	}
	if frames[i].TimestampMs-ts < ts-frames[i-1].TimestampMs {
		return i
	}
	return i - 1
}

// Lookup returns the frame closest in time to ts. Frames must be sorted
// ascending. The second result is false only when frames is empty.
func Lookup(frames []pose.TimedFrame, ts int64) (pose.TimedFrame, bool) {
	if len(frames) == 0 {
		return pose.TimedFrame{}, false
	}
	return frames[nearestIndex(frames, ts)], true
}

// LookupInterpolated blends the two frames bracketing ts. An exact hit is
// returned unmodified. Outside the recorded range, or when the bracketing
// frames hold different numbers of poses, it falls back to Lookup.
func LookupInterpolated(frames []pose.TimedFrame, ts int64) (pose.TimedFrame, bool) {
	if len(frames) == 0 {
		return pose.TimedFrame{}, false
	}
	i := search(frames, ts)
	if i < len(frames) && frames[i].TimestampMs == ts {
		return frames[i], true
	}
	if i == 0 || i == len(frames) {
		return Lookup(frames, ts)
	}

	a, b := frames[i-1], frames[i]
	if len(a.Poses) != len(b.Poses) {
		return Lookup(frames, ts)
	}

	t := float64(ts-a.TimestampMs) / float64(b.TimestampMs-a.TimestampMs)
	out := pose.TimedFrame{TimestampMs: ts, Poses: make(pose.Frame, len(a.Poses))}
	for p := range a.Poses {
		for k := 0; k < pose.NumLandmarks; k++ {
			la, lb := a.Poses[p][k], b.Poses[p][k]
			out.Poses[p][k] = pose.Landmark{
				X:          lerp(la.X, lb.X, t),
				Y:          lerp(la.Y, lb.Y, t),
				Z:          lerp(la.Z, lb.Z, t),
				Visibility: lerp(la.Visibility, lb.Visibility, t),
			}
		}
	}
	return out, true
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }
