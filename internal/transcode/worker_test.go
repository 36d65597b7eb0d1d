package transcode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/amillerrr/vod-pipeline/internal/media"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

type fakeAssets struct {
	mu sync.Mutex

	asset  *models.VideoAsset
	getErr error

	sources        map[string]models.VideoSource
	duration       float64
	statuses       []models.VideoStatus
	markedDone     bool
	readyChecked   bool
	upsertErr      error
	markTranscoded error
}

func newFakeAssets(asset *models.VideoAsset) *fakeAssets {
	return &fakeAssets{asset: asset, sources: make(map[string]models.VideoSource)}
}

func (f *fakeAssets) GetAsset(ctx context.Context, videoID string) (*models.VideoAsset, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.asset, nil
}

func (f *fakeAssets) SetStatus(ctx context.Context, videoID string, status models.VideoStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeAssets) SetDuration(ctx context.Context, videoID string, seconds float64) error {
	f.duration = seconds
	return nil
}

func (f *fakeAssets) UpsertSource(ctx context.Context, videoID, label string, src models.VideoSource) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[label] = src
	return nil
}

func (f *fakeAssets) MarkTranscoded(ctx context.Context, videoID string) error {
	if f.markTranscoded != nil {
		return f.markTranscoded
	}
	f.markedDone = true
	return nil
}

func (f *fakeAssets) MarkReadyIfComplete(ctx context.Context, videoID string) error {
	f.readyChecked = true
	return nil
}

type fakeObjects struct {
	mu      sync.Mutex
	putKeys []string
	getErr  error
	putErr  error
}

func (f *fakeObjects) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return io.NopCloser(strings.NewReader("source-bytes")), nil
}

func (f *fakeObjects) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	if f.putErr != nil {
		return f.putErr
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putKeys = append(f.putKeys, key)
	return nil
}

type fakeCache struct{ invalidated []string }

func (f *fakeCache) InvalidateVideo(ctx context.Context, videoID string) error {
	f.invalidated = append(f.invalidated, videoID)
	return nil
}

// fakeToolchain reports a fixed probe result and per-height bitrates.
type fakeToolchain struct {
	probe    media.ProbeResult
	probeErr error
	bitrates map[int]int
	encodes  []int
}

func (f *fakeToolchain) Probe(ctx context.Context, path string) (media.ProbeResult, error) {
	if f.probeErr != nil {
		return media.ProbeResult{}, f.probeErr
	}
	return f.probe, nil
}

func (f *fakeToolchain) ExtractFrame(ctx context.Context, path string, timestamp float64) (image.Image, error) {
	return nil, errors.New("not used")
}

func (f *fakeToolchain) Encode(ctx context.Context, path string, width, height int, outPath string) (media.EncodeResult, error) {
	if err := os.WriteFile(outPath, []byte("rendition"), 0644); err != nil {
		return media.EncodeResult{}, err
	}
	f.encodes = append(f.encodes, height)
	return media.EncodeResult{Path: outPath, MeasuredBitrateKbps: f.bitrates[height]}, nil
}

func (f *fakeToolchain) SampleFrames(ctx context.Context, path string, intervalSeconds float64) ([]image.Image, error) {
	return nil, errors.New("not used")
}

func testJob(t *testing.T, videoID string) *models.Job {
	t.Helper()
	return &models.Job{
		ID:      "job-1",
		Type:    models.JobTypeTranscode,
		Payload: []byte(fmt.Sprintf(`{"videoId":%q}`, videoID)),
	}
}

func testAsset(videoID string) *models.VideoAsset {
	return &models.VideoAsset{
		VideoID:         videoID,
		OwnerID:         "owner-1",
		NativeSourceKey: "uploads/" + videoID + ".mp4",
		Status:          models.StatusProcessing,
	}
}

func newTestWorker(assets *fakeAssets, objects *fakeObjects, tc *fakeToolchain) (*Worker, *fakeCache) {
	c := &fakeCache{}
	w := New(&Config{
		Assets:           assets,
		Objects:          objects,
		Cache:            c,
		Toolchain:        tc,
		BitrateFloorKbps: 500,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return w, c
}

func TestHandleStopsAtBitrateFloor(t *testing.T) {
	// 1080p native with floor 500: 720p measures 900 (continue), 480p
	// measures 300 (at or below floor, produced, then stop).
	assets := newFakeAssets(testAsset("v1"))
	objects := &fakeObjects{}
	tc := &fakeToolchain{
		probe:    media.ProbeResult{DurationSeconds: 60, Width: 1920, Height: 1080},
		bitrates: map[int]int{720: 900, 480: 300},
	}
	w, c := newTestWorker(assets, objects, tc)

	if err := w.Handle(context.Background(), testJob(t, "v1")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	wantEncodes := []int{720, 480}
	if len(tc.encodes) != len(wantEncodes) {
		t.Fatalf("encoded heights = %v, want %v", tc.encodes, wantEncodes)
	}
	for i, h := range wantEncodes {
		if tc.encodes[i] != h {
			t.Errorf("encode %d = %dp, want %dp", i, tc.encodes[i], h)
		}
	}

	for _, label := range []string{"1080p", "720p", "480p"} {
		if _, ok := assets.sources[label]; !ok {
			t.Errorf("source %q not recorded", label)
		}
	}
	if !assets.sources["1080p"].IsNative {
		t.Error("native source not flagged")
	}
	if assets.sources["720p"].MeasuredBitrate != 900 {
		t.Errorf("720p bitrate = %d, want 900", assets.sources["720p"].MeasuredBitrate)
	}

	wantKeys := map[string]bool{
		"uploads/v1_720p.mp4": true,
		"uploads/v1_480p.mp4": true,
	}
	for _, k := range objects.putKeys {
		if !wantKeys[k] {
			t.Errorf("unexpected upload key %q", k)
		}
		delete(wantKeys, k)
	}
	for k := range wantKeys {
		t.Errorf("missing upload key %q", k)
	}

	if !assets.markedDone {
		t.Error("transcode completion not recorded")
	}
	if !assets.readyChecked {
		t.Error("ready convergence not attempted")
	}
	if len(c.invalidated) != 1 || c.invalidated[0] != "v1" {
		t.Errorf("invalidated = %v, want [v1]", c.invalidated)
	}
	if assets.duration != 60 {
		t.Errorf("duration = %v, want 60", assets.duration)
	}
}

func TestHandleFirstRungAtFloorIsLast(t *testing.T) {
	assets := newFakeAssets(testAsset("v2"))
	objects := &fakeObjects{}
	tc := &fakeToolchain{
		probe:    media.ProbeResult{DurationSeconds: 30, Width: 1920, Height: 1080},
		bitrates: map[int]int{720: 500, 480: 200},
	}
	w, _ := newTestWorker(assets, objects, tc)

	if err := w.Handle(context.Background(), testJob(t, "v2")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(tc.encodes) != 1 || tc.encodes[0] != 720 {
		t.Errorf("encoded heights = %v, want [720]", tc.encodes)
	}
}

func TestHandleLadderBelowAllAnchors(t *testing.T) {
	// A tiny source still transcodes successfully with zero rungs.
	assets := newFakeAssets(testAsset("v3"))
	objects := &fakeObjects{}
	tc := &fakeToolchain{
		probe: media.ProbeResult{DurationSeconds: 10, Width: 640, Height: 360},
	}
	w, _ := newTestWorker(assets, objects, tc)

	if err := w.Handle(context.Background(), testJob(t, "v3")); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if len(tc.encodes) != 0 {
		t.Errorf("encoded heights = %v, want none", tc.encodes)
	}
	if !assets.markedDone {
		t.Error("transcode completion not recorded")
	}
	if src, ok := assets.sources["360p"]; !ok || !src.IsNative {
		t.Error("native source not recorded for sub-anchor video")
	}
}

func TestHandleErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*fakeAssets, *fakeObjects, *fakeToolchain)
		wantFatal bool
	}{
		{
			name: "missing asset is fatal",
			configure: func(a *fakeAssets, o *fakeObjects, tc *fakeToolchain) {
				a.getErr = models.ErrAssetNotFound
			},
			wantFatal: true,
		},
		{
			name: "store outage is retryable",
			configure: func(a *fakeAssets, o *fakeObjects, tc *fakeToolchain) {
				a.getErr = errors.New("throttled")
			},
			wantFatal: false,
		},
		{
			name: "missing native source is fatal",
			configure: func(a *fakeAssets, o *fakeObjects, tc *fakeToolchain) {
				a.asset.NativeSourceKey = ""
			},
			wantFatal: true,
		},
		{
			name: "unreadable source is fatal",
			configure: func(a *fakeAssets, o *fakeObjects, tc *fakeToolchain) {
				tc.probeErr = models.ErrProbeFailed
			},
			wantFatal: true,
		},
		{
			name: "download failure is retryable",
			configure: func(a *fakeAssets, o *fakeObjects, tc *fakeToolchain) {
				o.getErr = errors.New("connection reset")
			},
			wantFatal: false,
		},
		{
			name: "upload failure is retryable",
			configure: func(a *fakeAssets, o *fakeObjects, tc *fakeToolchain) {
				o.putErr = errors.New("connection reset")
			},
			wantFatal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assets := newFakeAssets(testAsset("v9"))
			objects := &fakeObjects{}
			tc := &fakeToolchain{
				probe:    media.ProbeResult{DurationSeconds: 60, Width: 1920, Height: 1080},
				bitrates: map[int]int{720: 900, 480: 300},
			}
			tt.configure(assets, objects, tc)
			w, _ := newTestWorker(assets, objects, tc)

			err := w.Handle(context.Background(), testJob(t, "v9"))
			if err == nil {
				t.Fatal("Handle() error = nil, want error")
			}
			if got := queue.IsFatal(err); got != tt.wantFatal {
				t.Errorf("IsFatal = %v, want %v (err: %v)", got, tt.wantFatal, err)
			}
		})
	}
}

func TestHandleBadPayloadIsFatal(t *testing.T) {
	w, _ := newTestWorker(newFakeAssets(testAsset("v1")), &fakeObjects{}, &fakeToolchain{})
	err := w.Handle(context.Background(), &models.Job{Payload: []byte("{")})
	if !queue.IsFatal(err) {
		t.Errorf("malformed payload: IsFatal = false, want true (err: %v)", err)
	}
}
