// Package cache keys, stores and samples preprocessed pose analyses.
//
// One analysis exists per (video, trim range). Model variant and fps are not
// part of the key: a newer run for the same trim replaces the old one, and
// saving a new trim deletes the video's other trims.
//
// Lookup returns the nearest recorded frame; LookupInterpolated blends the
// two bracketing frames unless they disagree on pose count.
package cache
