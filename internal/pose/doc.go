// Package pose owns the shared data model of the pose analysis pipeline.
//
// Responsibilities: canonical 33-point landmark skeleton, per-instant
// detection frames, runtime configuration, model variant registry and the
// cached analysis record produced by preprocessing.
// Key types: Landmark, Pose, Frame, RuntimeConfig, CachedAnalysis.
//
// Dependency rule: this package depends on nothing else in internal/pose.
// Inference, smoothing, biomechanics and storage all build on it.
package pose
