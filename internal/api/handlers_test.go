package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/internal/views"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

type fakeAssetStore struct {
	assets map[string]*models.VideoAsset

	created        []string
	createErr      error
	sizes          map[string]int64
	storageDeltas  map[string]int64
	statuses       map[string]models.VideoStatus
	thumbsSkipped  []string
	pendingDeleted []string
}

func newFakeAssetStore() *fakeAssetStore {
	return &fakeAssetStore{
		assets:        map[string]*models.VideoAsset{},
		sizes:         map[string]int64{},
		storageDeltas: map[string]int64{},
		statuses:      map[string]models.VideoStatus{},
	}
}

func (f *fakeAssetStore) CreateAsset(_ context.Context, videoID, ownerID, nativeKey string, sizeBytes int64, private bool) (*models.VideoAsset, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	asset := &models.VideoAsset{
		VideoID:         videoID,
		OwnerID:         ownerID,
		NativeSourceKey: nativeKey,
		SizeBytes:       sizeBytes,
		Private:         private,
		Status:          models.StatusUploading,
	}
	f.assets[videoID] = asset
	f.created = append(f.created, videoID)
	return asset, nil
}

func (f *fakeAssetStore) GetAsset(_ context.Context, videoID string) (*models.VideoAsset, error) {
	asset, ok := f.assets[videoID]
	if !ok {
		return nil, models.ErrAssetNotFound
	}
	return asset, nil
}

func (f *fakeAssetStore) SetStatus(_ context.Context, videoID string, status models.VideoStatus, _ string) error {
	f.statuses[videoID] = status
	return nil
}

func (f *fakeAssetStore) SetSizeBytes(_ context.Context, videoID string, size int64) error {
	f.sizes[videoID] = size
	return nil
}

func (f *fakeAssetStore) MarkThumbnailsSkipped(_ context.Context, videoID string) error {
	f.thumbsSkipped = append(f.thumbsSkipped, videoID)
	return nil
}

func (f *fakeAssetStore) AddStorageUsed(_ context.Context, ownerID string, delta int64) error {
	f.storageDeltas[ownerID] += delta
	return nil
}

func (f *fakeAssetStore) MarkPendingDeletion(_ context.Context, videoID string, _ time.Time) error {
	f.pendingDeleted = append(f.pendingDeleted, videoID)
	return nil
}

type fakeObjectStore struct {
	headSize int64
	headErr  error
}

func (f *fakeObjectStore) Head(_ context.Context, _ string) (int64, error) {
	if f.headErr != nil {
		return 0, f.headErr
	}
	return f.headSize, nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://presigned.example/" + key, nil
}

func (f *fakeObjectStore) PresignPut(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	return "https://upload.example/" + key, nil
}

type enqueued struct {
	jobType  models.JobType
	dedupKey string
}

type fakeEnqueuer struct {
	jobs []enqueued
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t models.JobType, _ any, opts queue.EnqueueOptions) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, enqueued{jobType: t, dedupKey: opts.DedupKey})
	return nil
}

type fakeViewIngest struct {
	videoID string
	err     error
}

func (f *fakeViewIngest) Redeem(_ context.Context, _ string, _ time.Time) (string, error) {
	return f.videoID, f.err
}

type handlerFixture struct {
	h       *Handlers
	assets  *fakeAssetStore
	objects *fakeObjectStore
	jobs    *fakeEnqueuer
	ingest  *fakeViewIngest
	jwt     *JWTService
}

func newFixture() *handlerFixture {
	cfg := &config.Config{
		API: config.APIConfig{
			Username:      "operator",
			Password:      "hunter2",
			PresignExpiry: 15 * time.Minute,
		},
	}
	assets := newFakeAssetStore()
	objects := &fakeObjectStore{headSize: 2048}
	jobs := &fakeEnqueuer{}
	ingest := &fakeViewIngest{videoID: "v1"}
	jwtService := NewJWTService("jwt-secret")

	h := NewHandlers(&HandlersConfig{
		Config:         cfg,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Assets:         assets,
		Objects:        objects,
		Jobs:           jobs,
		ViewIngest:     ingest,
		PlaybackTokens: views.NewTokenService("playback-secret"),
		JWTService:     jwtService,
	})
	return &handlerFixture{h: h, assets: assets, objects: objects, jobs: jobs, ingest: ingest, jwt: jwtService}
}

func asOperator(r *http.Request, username string) *http.Request {
	claims := &OperatorClaims{Username: username}
	return r.WithContext(context.WithValue(r.Context(), operatorKey, claims))
}

func jsonRequest(method, target string, body any) *http.Request {
	raw, _ := json.Marshal(body)
	r := httptest.NewRequest(method, target, bytes.NewReader(raw))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func readyAsset(private bool) *models.VideoAsset {
	return &models.VideoAsset{
		VideoID:         "v1",
		OwnerID:         "operator",
		NativeSourceKey: "uploads/v1.mp4",
		Status:          models.StatusReady,
		DurationSeconds: 120,
		Private:         private,
		Sources: map[string]models.VideoSource{
			"1080p": {Key: "uploads/v1.mp4", Height: 1080, IsNative: true},
			"720p":  {Key: "uploads/v1_720p.mp4", Height: 720},
		},
		LargeThumbnailKey: "uploads/v1_thumb_large.jpg",
	}
}

func TestLoginHandler(t *testing.T) {
	f := newFixture()

	t.Run("valid credentials", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		r.SetBasicAuth("operator", "hunter2")
		w := httptest.NewRecorder()

		f.h.LoginHandler(w, r)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var resp map[string]string
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		claims, err := f.jwt.ValidateToken(resp["token"])
		if err != nil {
			t.Fatalf("returned token invalid: %v", err)
		}
		if claims.Username != "operator" {
			t.Errorf("token username = %q", claims.Username)
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		r.SetBasicAuth("operator", "wrong")
		w := httptest.NewRecorder()

		f.h.LoginHandler(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.h.LoginHandler(w, httptest.NewRequest(http.MethodPost, "/login", nil))
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})
}

func TestInitUploadHandler(t *testing.T) {
	f := newFixture()

	r := asOperator(jsonRequest(http.MethodPost, "/upload/init", InitUploadRequest{
		Filename:    "clip.mp4",
		ContentType: "video/mp4",
	}), "operator")
	w := httptest.NewRecorder()

	f.h.InitUploadHandler(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp InitUploadResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.VideoID == "" {
		t.Error("empty video id")
	}
	if !strings.HasPrefix(resp.Key, "uploads/"+resp.VideoID) || !strings.HasSuffix(resp.Key, ".mp4") {
		t.Errorf("key = %q, want uploads/<id>.mp4", resp.Key)
	}
	if resp.UploadURL != "https://upload.example/"+resp.Key {
		t.Errorf("upload url = %q", resp.UploadURL)
	}

	asset := f.assets.assets[resp.VideoID]
	if asset == nil {
		t.Fatal("asset record not created")
	}
	if asset.OwnerID != "operator" {
		t.Errorf("owner = %q, want operator", asset.OwnerID)
	}
}

func TestInitUploadHandlerValidation(t *testing.T) {
	f := newFixture()

	tests := []struct {
		name string
		req  InitUploadRequest
	}{
		{"missing filename", InitUploadRequest{ContentType: "video/mp4"}},
		{"bad extension", InitUploadRequest{Filename: "notes.txt", ContentType: "video/mp4"}},
		{"bad content type", InitUploadRequest{Filename: "clip.mp4", ContentType: "application/zip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			f.h.InitUploadHandler(w, asOperator(jsonRequest(http.MethodPost, "/upload/init", tt.req), "operator"))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
	if len(f.assets.created) != 0 {
		t.Errorf("assets created for invalid requests: %v", f.assets.created)
	}
}

func TestCompleteUploadHandler(t *testing.T) {
	f := newFixture()
	f.assets.assets["v1"] = &models.VideoAsset{
		VideoID:         "v1",
		OwnerID:         "operator",
		NativeSourceKey: "uploads/v1.mp4",
		Status:          models.StatusUploading,
	}

	r := asOperator(jsonRequest(http.MethodPost, "/upload/complete", CompleteUploadRequest{
		VideoID: "v1",
		Key:     "uploads/v1.mp4",
	}), "operator")
	w := httptest.NewRecorder()

	f.h.CompleteUploadHandler(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if f.assets.sizes["v1"] != 2048 {
		t.Errorf("recorded size = %d, want 2048", f.assets.sizes["v1"])
	}
	if f.assets.storageDeltas["operator"] != 2048 {
		t.Errorf("storage delta = %d, want 2048", f.assets.storageDeltas["operator"])
	}
	if f.assets.statuses["v1"] != models.StatusProcessing {
		t.Errorf("status = %q, want processing", f.assets.statuses["v1"])
	}

	if len(f.jobs.jobs) != 2 {
		t.Fatalf("enqueued %d jobs, want transcode and thumbnail", len(f.jobs.jobs))
	}
	if f.jobs.jobs[0].jobType != models.JobTypeTranscode || f.jobs.jobs[0].dedupKey != "transcode:v1" {
		t.Errorf("first job = %+v", f.jobs.jobs[0])
	}
	if f.jobs.jobs[1].jobType != models.JobTypeThumbnail || f.jobs.jobs[1].dedupKey != "thumbnail:v1" {
		t.Errorf("second job = %+v", f.jobs.jobs[1])
	}
}

func TestCompleteUploadHandlerPrivateSkipsThumbnails(t *testing.T) {
	f := newFixture()
	f.assets.assets["v1"] = &models.VideoAsset{
		VideoID: "v1", OwnerID: "operator", NativeSourceKey: "uploads/v1.mp4", Private: true,
	}

	r := asOperator(jsonRequest(http.MethodPost, "/upload/complete", CompleteUploadRequest{
		VideoID: "v1", Key: "uploads/v1.mp4",
	}), "operator")
	w := httptest.NewRecorder()

	f.h.CompleteUploadHandler(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if len(f.jobs.jobs) != 1 || f.jobs.jobs[0].jobType != models.JobTypeTranscode {
		t.Errorf("jobs = %+v, want transcode only", f.jobs.jobs)
	}
	if len(f.assets.thumbsSkipped) != 1 || f.assets.thumbsSkipped[0] != "v1" {
		t.Errorf("thumbnails skipped = %v, want [v1]", f.assets.thumbsSkipped)
	}
}

func TestCompleteUploadHandlerRejections(t *testing.T) {
	f := newFixture()
	f.assets.assets["v1"] = &models.VideoAsset{VideoID: "v1", OwnerID: "operator", NativeSourceKey: "uploads/v1.mp4"}

	tests := []struct {
		name     string
		operator string
		req      CompleteUploadRequest
		headErr  error
		want     int
	}{
		{"unknown video", "operator", CompleteUploadRequest{VideoID: "nope", Key: "uploads/nope.mp4"}, nil, http.StatusNotFound},
		{"not the owner", "intruder", CompleteUploadRequest{VideoID: "v1", Key: "uploads/v1.mp4"}, nil, http.StatusForbidden},
		{"key mismatch", "operator", CompleteUploadRequest{VideoID: "v1", Key: "uploads/other.mp4"}, nil, http.StatusBadRequest},
		{"path traversal", "operator", CompleteUploadRequest{VideoID: "v1", Key: "uploads/v1/../secret.mp4"}, nil, http.StatusBadRequest},
		{"source missing", "operator", CompleteUploadRequest{VideoID: "v1", Key: "uploads/v1.mp4"}, errors.New("404"), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.objects.headErr = tt.headErr
			defer func() { f.objects.headErr = nil }()

			w := httptest.NewRecorder()
			f.h.CompleteUploadHandler(w, asOperator(jsonRequest(http.MethodPost, "/upload/complete", tt.req), tt.operator))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if len(f.jobs.jobs) != 0 {
		t.Errorf("jobs enqueued for rejected requests: %+v", f.jobs.jobs)
	}
}

func playbackRequest(videoID string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/videos/"+videoID+"/playback", nil)
	r.SetPathValue("id", videoID)
	return r
}

func TestPlaybackHandler(t *testing.T) {
	f := newFixture()
	f.assets.assets["v1"] = readyAsset(false)

	w := httptest.NewRecorder()
	f.h.PlaybackHandler(w, playbackRequest("v1"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp PlaybackResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Sources) != 2 {
		t.Errorf("sources = %v, want both renditions", resp.Sources)
	}
	if resp.Sources["720p"] != "https://presigned.example/uploads/v1_720p.mp4" {
		t.Errorf("720p url = %q", resp.Sources["720p"])
	}
	if resp.PosterURL == "" {
		t.Error("missing poster url")
	}
	if resp.ViewToken == "" {
		t.Error("missing view token")
	}
	if resp.DurationSeconds != 120 {
		t.Errorf("duration = %v, want 120", resp.DurationSeconds)
	}
}

func TestPlaybackHandlerCDN(t *testing.T) {
	f := newFixture()
	f.h.cfg.AWS.CDNDomain = "cdn.example.com"
	f.assets.assets["v1"] = readyAsset(false)

	w := httptest.NewRecorder()
	f.h.PlaybackHandler(w, playbackRequest("v1"))

	var resp PlaybackResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Sources["720p"] != "https://cdn.example.com/uploads/v1_720p.mp4" {
		t.Errorf("720p url = %q, want CDN url", resp.Sources["720p"])
	}
}

func TestPlaybackHandlerNotReady(t *testing.T) {
	f := newFixture()
	asset := readyAsset(false)
	asset.Status = models.StatusProcessing
	f.assets.assets["v1"] = asset

	w := httptest.NewRecorder()
	f.h.PlaybackHandler(w, playbackRequest("v1"))

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var resp PlaybackResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(models.StatusProcessing) {
		t.Errorf("status field = %q, want processing", resp.Status)
	}
}

func TestPlaybackHandlerNotFound(t *testing.T) {
	f := newFixture()
	w := httptest.NewRecorder()
	f.h.PlaybackHandler(w, playbackRequest("missing"))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestPlaybackHandlerPrivate(t *testing.T) {
	f := newFixture()
	f.assets.assets["v1"] = readyAsset(true)

	t.Run("anonymous", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.h.PlaybackHandler(w, playbackRequest("v1"))
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("wrong operator", func(t *testing.T) {
		token, _ := f.jwt.GenerateToken("intruder")
		r := playbackRequest("v1")
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		f.h.PlaybackHandler(w, r)
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	t.Run("owner", func(t *testing.T) {
		token, _ := f.jwt.GenerateToken("operator")
		r := playbackRequest("v1")
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		f.h.PlaybackHandler(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
	})
}

func viewRequest(videoID, token string) *http.Request {
	r := jsonRequest(http.MethodPost, "/videos/"+videoID+"/view", ViewRequest{Token: token})
	r.SetPathValue("id", videoID)
	return r
}

func TestViewHandler(t *testing.T) {
	tests := []struct {
		name        string
		redeemVideo string
		redeemErr   error
		want        int
	}{
		{"counted", "v1", nil, http.StatusNoContent},
		{"invalid token", "", models.ErrTokenInvalid, http.StatusUnauthorized},
		{"too early", "v1", models.ErrViewTooEarly, http.StatusForbidden},
		{"rate limited", "v1", models.ErrViewRateLimited, http.StatusTooManyRequests},
		{"cache outage", "v1", errors.New("redis down"), http.StatusInternalServerError},
		{"token for other video", "v2", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.ingest.videoID = tt.redeemVideo
			f.ingest.err = tt.redeemErr

			w := httptest.NewRecorder()
			f.h.ViewHandler(w, viewRequest("v1", "some-token"))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestViewHandlerMissingToken(t *testing.T) {
	f := newFixture()
	w := httptest.NewRecorder()
	f.h.ViewHandler(w, viewRequest("v1", ""))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func deleteRequest(videoID, operator string) *http.Request {
	r := httptest.NewRequest(http.MethodDelete, "/videos/"+videoID, nil)
	r.SetPathValue("id", videoID)
	return asOperator(r, operator)
}

func TestDeleteHandler(t *testing.T) {
	f := newFixture()
	f.assets.assets["v1"] = readyAsset(false)

	w := httptest.NewRecorder()
	f.h.DeleteHandler(w, deleteRequest("v1", "operator"))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(f.assets.pendingDeleted) != 1 || f.assets.pendingDeleted[0] != "v1" {
		t.Errorf("pending deletion = %v, want [v1]", f.assets.pendingDeleted)
	}
	if len(f.jobs.jobs) != 1 || f.jobs.jobs[0].jobType != models.JobTypeDeletion || f.jobs.jobs[0].dedupKey != "deletion:v1" {
		t.Errorf("jobs = %+v, want one deletion job", f.jobs.jobs)
	}
}

func TestDeleteHandlerRejections(t *testing.T) {
	f := newFixture()
	f.assets.assets["v1"] = readyAsset(false)

	t.Run("unknown video", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.h.DeleteHandler(w, deleteRequest("missing", "operator"))
		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("not the owner", func(t *testing.T) {
		w := httptest.NewRecorder()
		f.h.DeleteHandler(w, deleteRequest("v1", "intruder"))
		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", w.Code)
		}
	})

	if len(f.jobs.jobs) != 0 {
		t.Errorf("jobs enqueued for rejected requests: %+v", f.jobs.jobs)
	}
}

func TestValidateSourceKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		videoID string
		wantErr bool
	}{
		{"valid", "uploads/v1.mp4", "v1", false},
		{"empty", "", "v1", true},
		{"wrong prefix", "other/v1.mp4", "v1", true},
		{"other video", "uploads/v2.mp4", "v1", true},
		{"traversal", "uploads/v1/../../etc.mp4", "v1", true},
		{"encoded traversal", "uploads/v1%2F..%2Fetc.mp4", "v1", true},
		{"bad extension", "uploads/v1.exe", "v1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSourceKey(tt.key, tt.videoID)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateSourceKey(%q, %q) error = %v, wantErr %v", tt.key, tt.videoID, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFilename(t *testing.T) {
	if err := validateFilename("movie.MP4"); err != nil {
		t.Errorf("uppercase extension rejected: %v", err)
	}
	if err := validateFilename(strings.Repeat("a", 300) + ".mp4"); err == nil {
		t.Error("overlong filename accepted")
	}
	if err := validateFilename("archive.zip"); err == nil {
		t.Error("non-video extension accepted")
	}
}
