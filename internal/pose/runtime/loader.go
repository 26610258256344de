package runtime

import (
	"context"
	"image"

	"github.com/banshee-data/pose.report/internal/pose"
)

// Delegate is the execution target of a loaded session.
type Delegate string

const (
	DelegateGPU Delegate = "gpu"
	DelegateCPU Delegate = "cpu"
)

// delegateOrder is the order in which delegates are attempted.
var delegateOrder = []Delegate{DelegateGPU, DelegateCPU}

// Session is one loaded model instance on one delegate.
type Session interface {
	// Detect runs inference on img. timestampMs is only meaningful to
	// tracking models.
	Detect(ctx context.Context, img image.Image, timestampMs int64) (pose.Frame, error)
	// SetOptions applies changed thresholds and pose count without a reload.
	SetOptions(ctx context.Context, cfg pose.RuntimeConfig) error
	Close() error
}

// Loader creates sessions for a model variant on a delegate.
type Loader interface {
	Load(ctx context.Context, v pose.Variant, d Delegate, cfg pose.RuntimeConfig) (Session, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, v pose.Variant, d Delegate, cfg pose.RuntimeConfig) (Session, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, v pose.Variant, d Delegate, cfg pose.RuntimeConfig) (Session, error) {
	return f(ctx, v, d, cfg)
}
