// Package runtime drives pose inference backends behind one Detect call.
//
// Two backend families exist. Tracking models keep optical-flow state and
// need strictly increasing timestamps; a timestamp at or before the last one
// moves the backend to needsReset and the session is reloaded before the
// next call. Box models detect every frame independently but need their
// model asset on disk before loading.
//
// Both families try the GPU delegate first and fall back to CPU with the same
// options. Model loading and inference are delegated to a Loader; see
// internal/pose/backend/sidecar for the HTTP implementation.
package runtime
