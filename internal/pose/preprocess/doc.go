// Package preprocess runs a one-shot, deterministic pose pass over a trimmed
// clip range and hands the complete frame sequence to the cache.
//
// Two traversal strategies exist. When the element reports decoded frames
// (video.FrameNotifier) the clip is played muted and every frame crossing a
// step boundary is analysed at its actual media time. Otherwise the job
// seeks to each step and analyses the frame it lands on. Either way nothing
// is written unless the pass completes, and the element's playback state is
// restored afterwards.
package preprocess
