package runtime

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/banshee-data/pose.report/internal/fsutil"
	"github.com/banshee-data/pose.report/internal/pose"
)

var (
	// ErrModelAssetMissing is a configuration error: the model file for a
	// box-family variant is not on disk. It is never retried.
	ErrModelAssetMissing = errors.New("model asset missing")
	// ErrClosed is returned by Detect after Close.
	ErrClosed = errors.New("runtime closed")
	// ErrUnknownVariant aliases pose.ErrUnknownVariant.
	ErrUnknownVariant = pose.ErrUnknownVariant
)

// Options configures a Runtime.
type Options struct {
	// FS is used for model asset existence checks. Defaults to the OS.
	FS fsutil.FileSystem
	// ModelDir is the root that variant asset paths are relative to.
	ModelDir string
}

// Runtime owns one backend at a time and swaps it when the model variant
// changes. It is safe for concurrent use, though callers are expected to
// issue one Detect at a time.
type Runtime struct {
	mu      sync.Mutex
	loader  Loader
	opts    Options
	backend backend
	variant pose.Variant
	closed  bool
}

// New creates a Runtime. No model is loaded until the first Detect or
// Prepare call.
func New(loader Loader, opts Options) *Runtime {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	return &Runtime{loader: loader, opts: opts}
}

// ensureBackend returns the backend for cfg's variant, replacing the
// current one if the variant changed. Caller holds r.mu.
func (r *Runtime) ensureBackend(cfg pose.RuntimeConfig) (backend, error) {
	if r.closed {
		return nil, ErrClosed
	}
	v, err := pose.LookupVariant(cfg.ModelVariant)
	if err != nil {
		return nil, err
	}
	if r.backend != nil && r.variant.Name == v.Name {
		return r.backend, nil
	}
	if r.backend != nil {
		logf("switching model %s -> %s", r.variant.Name, v.Name)
		if err := r.backend.close(); err != nil {
			logf("closing %s backend: %v", r.variant.Name, err)
		}
	}
	switch v.Family {
	case pose.FamilyTracking:
		r.backend = newTrackingBackend(r.loader, v)
	case pose.FamilyBox:
		r.backend = newBoxBackend(r.loader, v, r.opts.FS, r.opts.ModelDir)
	default:
		return nil, fmt.Errorf("%w: family %q", ErrUnknownVariant, v.Family)
	}
	r.variant = v
	return r.backend, nil
}

// Detect runs inference for the frame at timestampMs. The backend is
// chosen by cfg.ModelVariant.
func (r *Runtime) Detect(ctx context.Context, img image.Image, timestampMs int64, cfg pose.RuntimeConfig) (pose.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.ensureBackend(cfg)
	if err != nil {
		return nil, err
	}
	frame, err := b.detect(ctx, img, timestampMs, cfg)
	if err != nil {
		return nil, fmt.Errorf("detect %s at %dms: %w", r.variant.Name, timestampMs, err)
	}
	return frame, nil
}

// Prepare loads the model for cfg without running inference, surfacing
// configuration errors such as ErrModelAssetMissing early.
func (r *Runtime) Prepare(ctx context.Context, cfg pose.RuntimeConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, err := r.ensureBackend(cfg)
	if err != nil {
		return err
	}
	switch b := b.(type) {
	case *trackingBackend:
		if b.sess == nil {
			return b.reload(ctx, cfg)
		}
	case *boxBackend:
		if b.sess == nil {
			return b.load(ctx, cfg)
		}
	}
	return nil
}

// ResetTracker forces a full session reload before the next tracking call.
func (r *Runtime) ResetTracker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend != nil {
		r.backend.resetTracker()
	}
}

// Snapshot reports the active model and delegate.
func (r *Runtime) Snapshot() pose.RuntimeSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backend == nil {
		return pose.RuntimeSnapshot{}
	}
	return pose.RuntimeSnapshot{
		ActiveModelVariant: r.variant.Name,
		ActiveDelegate:     string(r.backend.delegate()),
	}
}

// Close releases the backend. It is safe to call more than once.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.backend == nil {
		return nil
	}
	err := r.backend.close()
	r.backend = nil
	r.variant = pose.Variant{}
	return err
}
