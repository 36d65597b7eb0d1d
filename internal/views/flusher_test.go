package views

import (
	"context"
	"errors"
	"testing"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

type fakeFlushAssets struct {
	views   map[string]int64
	missing map[string]bool
	addErr  error
}

func (f *fakeFlushAssets) AddViews(_ context.Context, videoID string, count int64) error {
	if f.addErr != nil {
		return f.addErr
	}
	if f.missing[videoID] {
		return models.ErrAssetNotFound
	}
	if f.views == nil {
		f.views = map[string]int64{}
	}
	f.views[videoID] += count
	return nil
}

// fakeFlushCache mirrors the redis buffer semantics: a hash of counters plus
// an index ordered by first-buffer time, where draining to zero or below
// removes both the counter and its index entry.
type fakeFlushCache struct {
	counters map[string]int64
	index    []string

	invalidated []string
	oldestErr   error
}

func newFakeFlushCache(buffered map[string]int64, order []string) *fakeFlushCache {
	return &fakeFlushCache{counters: buffered, index: order}
}

func (f *fakeFlushCache) OldestBuffered(_ context.Context, n int64) ([]string, error) {
	if f.oldestErr != nil {
		return nil, f.oldestErr
	}
	if int64(len(f.index)) < n {
		n = int64(len(f.index))
	}
	return append([]string(nil), f.index[:n]...), nil
}

func (f *fakeFlushCache) BufferedCount(_ context.Context, videoID string) (int64, error) {
	return f.counters[videoID], nil
}

func (f *fakeFlushCache) DrainApplied(_ context.Context, videoID string, applied int64) (int64, error) {
	remainder := f.counters[videoID] - applied
	if remainder <= 0 {
		delete(f.counters, videoID)
		for i, id := range f.index {
			if id == videoID {
				f.index = append(f.index[:i], f.index[i+1:]...)
				break
			}
		}
		return 0, nil
	}
	f.counters[videoID] = remainder
	return remainder, nil
}

func (f *fakeFlushCache) InvalidateVideo(_ context.Context, videoID string) error {
	f.invalidated = append(f.invalidated, videoID)
	return nil
}

func TestFlushAppliesBufferedViews(t *testing.T) {
	assets := &fakeFlushAssets{}
	cache := newFakeFlushCache(map[string]int64{"v1": 3, "v2": 7}, []string{"v1", "v2"})
	f := NewFlusher(assets, cache, 100, testLogger())

	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if assets.views["v1"] != 3 || assets.views["v2"] != 7 {
		t.Errorf("applied views = %v, want v1:3 v2:7", assets.views)
	}
	if len(cache.counters) != 0 || len(cache.index) != 0 {
		t.Errorf("buffer not drained: counters=%v index=%v", cache.counters, cache.index)
	}
	if len(cache.invalidated) != 2 {
		t.Errorf("invalidated = %v, want both videos", cache.invalidated)
	}
}

func TestFlushTwiceIsIdempotent(t *testing.T) {
	assets := &fakeFlushAssets{}
	cache := newFakeFlushCache(map[string]int64{"v1": 5}, []string{"v1"})
	f := NewFlusher(assets, cache, 100, testLogger())

	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("first Flush() error = %v", err)
	}
	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}

	if assets.views["v1"] != 5 {
		t.Errorf("applied views = %d, want 5 after two cycles", assets.views["v1"])
	}
}

func TestFlushRespectsBatchOrder(t *testing.T) {
	assets := &fakeFlushAssets{}
	cache := newFakeFlushCache(map[string]int64{"v1": 1, "v2": 2, "v3": 3}, []string{"v1", "v2", "v3"})
	f := NewFlusher(assets, cache, 2, testLogger())

	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if assets.views["v1"] != 1 || assets.views["v2"] != 2 {
		t.Errorf("applied views = %v, want the two oldest counters", assets.views)
	}
	if _, ok := assets.views["v3"]; ok {
		t.Error("v3 flushed despite batch limit of 2")
	}
	if cache.counters["v3"] != 3 {
		t.Errorf("v3 counter = %d, want untouched 3", cache.counters["v3"])
	}
}

func TestFlushDropsViewsForDeletedVideo(t *testing.T) {
	assets := &fakeFlushAssets{missing: map[string]bool{"gone": true}}
	cache := newFakeFlushCache(map[string]int64{"gone": 4, "v2": 2}, []string{"gone", "v2"})
	f := NewFlusher(assets, cache, 100, testLogger())

	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if _, ok := cache.counters["gone"]; ok {
		t.Error("deleted video's counter survived the flush")
	}
	if assets.views["v2"] != 2 {
		t.Errorf("v2 views = %d, want 2", assets.views["v2"])
	}
}

func TestFlushRemovesStaleIndexEntry(t *testing.T) {
	assets := &fakeFlushAssets{}
	cache := newFakeFlushCache(map[string]int64{}, []string{"stale"})
	f := NewFlusher(assets, cache, 100, testLogger())

	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(cache.index) != 0 {
		t.Errorf("index = %v, want stale entry removed", cache.index)
	}
	if len(assets.views) != 0 {
		t.Errorf("views applied for stale entry: %v", assets.views)
	}
}

func TestFlushStoreFailureKeepsCounter(t *testing.T) {
	assets := &fakeFlushAssets{addErr: errors.New("throttled")}
	cache := newFakeFlushCache(map[string]int64{"v1": 6}, []string{"v1"})
	f := NewFlusher(assets, cache, 100, testLogger())

	if err := f.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if cache.counters["v1"] != 6 {
		t.Errorf("counter = %d, want untouched 6 after store failure", cache.counters["v1"])
	}
}
