package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/pose.report/internal/monitoring"
	"github.com/banshee-data/pose.report/internal/pose"
)

var logf = monitoring.Tagged("Cache")

// Manager applies the keying and eviction policy on top of a Store.
type Manager struct {
	store Store
}

// NewManager wraps store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Save keys a, validates it, stores it and deletes every other trim stored
// for the same video.
func (m *Manager) Save(ctx context.Context, a *pose.CachedAnalysis) error {
	a.ID = Key(a.VideoID, a.TrimStartMs, a.TrimEndMs)
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid analysis %s: %w", a.ID, err)
	}
	if err := m.store.Put(ctx, a); err != nil {
		return fmt.Errorf("put %s: %w", a.ID, err)
	}

	ids, err := m.store.IDsByVideo(ctx, a.VideoID)
	if err != nil {
		return fmt.Errorf("list analyses for %s: %w", a.VideoID, err)
	}
	for _, id := range ids {
		if id == a.ID {
			continue
		}
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete stale analysis %s: %w", id, err)
		}
		logf("evicted stale analysis %s", id)
	}
	logf("saved %s: %d frames, model %s @ %.1f fps", a.ID, len(a.Frames), a.ModelVariant, a.TargetFPS)
	return nil
}

// Load returns the analysis for a video and trim range.
func (m *Manager) Load(ctx context.Context, videoID string, trimStartMs, trimEndMs int64) (*pose.CachedAnalysis, error) {
	return m.store.Get(ctx, Key(videoID, trimStartMs, trimEndMs))
}

// Get returns the analysis with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*pose.CachedAnalysis, error) {
	return m.store.Get(ctx, id)
}

// ListByVideo returns every analysis stored for videoID.
func (m *Manager) ListByVideo(ctx context.Context, videoID string) ([]*pose.CachedAnalysis, error) {
	ids, err := m.store.IDsByVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	out := make([]*pose.CachedAnalysis, 0, len(ids))
	for _, id := range ids {
		a, err := m.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
