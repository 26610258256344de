// Package scheduler runs live pose inference during interactive playback.
//
// Each animation tick (or each decoded frame in exact-frame-sync mode) is
// gated, stamped with a strictly increasing inference timestamp and handed
// to the Detector. At most one detection is in flight; frames arriving
// meanwhile are dropped.
//
// The inference timestamp advances by the media-time delta. A negative
// delta or one above MaxFrameGapMs is a seek or loop: the step falls back to
// DiscontinuityStepMs, the tracker is reset and smoothing state cleared.
//
// A detector error is terminal for the enabled session: output flips to
// StatusError with no poses until Disable and Enable are called again.
package scheduler
