package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/pose.report/internal/pose"
)

// ErrNotFound is returned when no analysis exists for an id or key.
var ErrNotFound = errors.New("cached analysis not found")

// Key derives the cache id of a (video, trim range) lineage.
func Key(videoID string, trimStartMs, trimEndMs int64) string {
	return fmt.Sprintf("pose:%s:%d-%d", videoID, trimStartMs, trimEndMs)
}

// Store persists cached analyses by id.
type Store interface {
	Get(ctx context.Context, id string) (*pose.CachedAnalysis, error)
	IDsByVideo(ctx context.Context, videoID string) ([]string, error)
	Put(ctx context.Context, a *pose.CachedAnalysis) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store. Values are copied on the way in and
// out so callers never share frame slices with the store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*pose.CachedAnalysis
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*pose.CachedAnalysis)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*pose.CachedAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneAnalysis(a), nil
}

// IDsByVideo implements Store. IDs are returned sorted.
func (s *MemoryStore) IDsByVideo(_ context.Context, videoID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, a := range s.items {
		if a.VideoID == videoID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, a *pose.CachedAnalysis) error {
	if a.ID == "" {
		return errors.New("analysis has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[a.ID] = cloneAnalysis(a)
	return nil
}

// Delete implements Store. Deleting a missing id is not an error.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func cloneAnalysis(a *pose.CachedAnalysis) *pose.CachedAnalysis {
	out := *a
	out.Frames = make([]pose.TimedFrame, len(a.Frames))
	for i, f := range a.Frames {
		out.Frames[i] = pose.TimedFrame{TimestampMs: f.TimestampMs, Poses: f.Poses.Clone()}
	}
	return &out
}
