package runtime

import (
	"context"
	"errors"
	"fmt"
	"image"
	"path/filepath"

	"github.com/banshee-data/pose.report/internal/fsutil"
	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose"
)

var logf = monitoring.Tagged("Runtime")

// backend is the contract shared by both model families.
type backend interface {
	detect(ctx context.Context, img image.Image, timestampMs int64, cfg pose.RuntimeConfig) (pose.Frame, error)
	resetTracker()
	delegate() Delegate
	close() error
}

// loadWithFallback tries each delegate in order with identical options.
func loadWithFallback(ctx context.Context, l Loader, v pose.Variant, cfg pose.RuntimeConfig) (Session, Delegate, error) {
	var errs []error
	for _, d := range delegateOrder {
		sess, err := l.Load(ctx, v, d, cfg)
		if err == nil {
			return sess, d, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		logf("%s session on %s failed: %v", v.Name, d, err)
		errs = append(errs, fmt.Errorf("%s: %w", d, err))
	}
	return nil, "", fmt.Errorf("load %s: %w", v.Name, errors.Join(errs...))
}

type trackState int

const (
	stateTracking trackState = iota
	stateNeedsReset
)

func (s trackState) String() string {
	if s == stateNeedsReset {
		return "needsReset"
	}
	return "tracking"
}

// trackingBackend drives a tracking-family model.
type trackingBackend struct {
	loader  Loader
	variant pose.Variant

	sess     Session
	dlg      Delegate
	optsHash uint64

	state   trackState
	lastTs  int64
	hasLast bool
}

func newTrackingBackend(l Loader, v pose.Variant) *trackingBackend {
	return &trackingBackend{loader: l, variant: v, state: stateNeedsReset}
}

// observe applies the single transition rule: ts <= last => needsReset.
func (b *trackingBackend) observe(ts int64) {
	if b.hasLast && ts <= b.lastTs {
		b.state = stateNeedsReset
	}
}

func (b *trackingBackend) reload(ctx context.Context, cfg pose.RuntimeConfig) error {
	if b.sess != nil {
		if err := b.sess.Close(); err != nil {
			logf("closing %s session: %v", b.variant.Name, err)
		}
		b.sess = nil
	}
	sess, d, err := loadWithFallback(ctx, b.loader, b.variant, cfg)
	if err != nil {
		return err
	}
	b.sess, b.dlg = sess, d
	b.optsHash = cfg.OptionsHash()
	b.state = stateTracking
	b.hasLast = false
	return nil
}

func (b *trackingBackend) detect(ctx context.Context, img image.Image, ts int64, cfg pose.RuntimeConfig) (pose.Frame, error) {
	b.observe(ts)
	if b.state == stateNeedsReset || b.sess == nil {
		if err := b.reload(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if h := cfg.OptionsHash(); h != b.optsHash {
		if err := b.sess.SetOptions(ctx, cfg); err != nil {
			return nil, fmt.Errorf("apply options: %w", err)
		}
		b.optsHash = h
	}
	frame, err := b.sess.Detect(ctx, img, ts)
	if err != nil {
		return nil, err
	}
	b.lastTs, b.hasLast = ts, true
	return frame, nil
}

func (b *trackingBackend) resetTracker() { b.state = stateNeedsReset }

func (b *trackingBackend) delegate() Delegate { return b.dlg }

func (b *trackingBackend) close() error {
	if b.sess == nil {
		return nil
	}
	err := b.sess.Close()
	b.sess = nil
	b.state = stateNeedsReset
	b.hasLast = false
	return err
}

// boxBackend drives a box-detection model. Calls are independent.
type boxBackend struct {
	loader   Loader
	variant  pose.Variant
	fs       fsutil.FileSystem
	modelDir string

	sess     Session
	dlg      Delegate
	optsHash uint64
}

func newBoxBackend(l Loader, v pose.Variant, fs fsutil.FileSystem, modelDir string) *boxBackend {
	return &boxBackend{loader: l, variant: v, fs: fs, modelDir: modelDir}
}

func (b *boxBackend) load(ctx context.Context, cfg pose.RuntimeConfig) error {
	asset := filepath.Join(b.modelDir, b.variant.AssetPath)
	if !b.fs.Exists(asset) {
		return fmt.Errorf("%w: %s", ErrModelAssetMissing, asset)
	}
	sess, d, err := loadWithFallback(ctx, b.loader, b.variant, cfg)
	if err != nil {
		return err
	}
	b.sess, b.dlg = sess, d
	b.optsHash = cfg.OptionsHash()
	return nil
}

func (b *boxBackend) detect(ctx context.Context, img image.Image, ts int64, cfg pose.RuntimeConfig) (pose.Frame, error) {
	if b.sess == nil {
		if err := b.load(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if h := cfg.OptionsHash(); h != b.optsHash {
		if err := b.sess.SetOptions(ctx, cfg); err != nil {
			return nil, fmt.Errorf("apply options: %w", err)
		}
		b.optsHash = h
	}
	return b.sess.Detect(ctx, img, ts)
}

func (b *boxBackend) resetTracker() {}

func (b *boxBackend) delegate() Delegate { return b.dlg }

func (b *boxBackend) close() error {
	if b.sess == nil {
		return nil
	}
	err := b.sess.Close()
	b.sess = nil
	return err
}
