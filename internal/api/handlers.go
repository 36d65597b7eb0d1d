package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/metrics"
	"github.com/amillerrr/vod-pipeline/internal/queue"
	"github.com/amillerrr/vod-pipeline/internal/views"
	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var tracer = otel.Tracer("vod-api")

// Configuration constants
const (
	MaxFilenameLength  = 255
	MaxRequestBodySize = 1 << 20 // 1 MB
)

// Allowed video extensions and content types
var (
	AllowedExtensions = map[string]bool{
		".mp4":  true,
		".mov":  true,
		".avi":  true,
		".mkv":  true,
		".webm": true,
	}

	AllowedContentTypes = map[string]bool{
		"video/mp4":        true,
		"video/quicktime":  true,
		"video/x-msvideo":  true,
		"video/x-matroska": true,
		"video/webm":       true,
	}
)

// AssetStore is the metadata surface the handlers need.
type AssetStore interface {
	CreateAsset(ctx context.Context, videoID, ownerID, nativeKey string, sizeBytes int64, private bool) (*models.VideoAsset, error)
	GetAsset(ctx context.Context, videoID string) (*models.VideoAsset, error)
	SetStatus(ctx context.Context, videoID string, status models.VideoStatus, errorMessage string) error
	SetSizeBytes(ctx context.Context, videoID string, size int64) error
	MarkThumbnailsSkipped(ctx context.Context, videoID string) error
	AddStorageUsed(ctx context.Context, ownerID string, delta int64) error
	MarkPendingDeletion(ctx context.Context, videoID string, at time.Time) error
}

// ObjectStore is the object surface the handlers need.
type ObjectStore interface {
	Head(ctx context.Context, key string) (int64, error)
	PresignGet(ctx context.Context, key string, lifetime time.Duration) (string, error)
	PresignPut(ctx context.Context, key, contentType string, lifetime time.Duration) (string, error)
}

// Enqueuer publishes jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, t models.JobType, payload any, opts queue.EnqueueOptions) error
}

// ViewIngest redeems playback tokens into buffered views.
type ViewIngest interface {
	Redeem(ctx context.Context, tokenString string, now time.Time) (string, error)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg            *config.Config
	log            *slog.Logger
	assets         AssetStore
	objects        ObjectStore
	jobs           Enqueuer
	viewIngest     ViewIngest
	playbackTokens *views.TokenService
	jwtService     *JWTService
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config         *config.Config
	Logger         *slog.Logger
	Assets         AssetStore
	Objects        ObjectStore
	Jobs           Enqueuer
	ViewIngest     ViewIngest
	PlaybackTokens *views.TokenService
	JWTService     *JWTService
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	return &Handlers{
		cfg:            cfg.Config,
		log:            cfg.Logger,
		assets:         cfg.Assets,
		objects:        cfg.Objects,
		jobs:           cfg.Jobs,
		viewIngest:     cfg.ViewIngest,
		playbackTokens: cfg.PlaybackTokens,
		jwtService:     cfg.JWTService,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// decodeBody decodes a size-limited JSON request body.
func (h *Handlers) decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// LoginHandler handles operator authentication and returns a JWT token.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := GetClientIP(r)

	username, password, ok := r.BasicAuth()
	if !ok {
		metrics.AuthFailures.WithLabelValues("credentials").Inc()
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	if username != h.cfg.API.Username || password != h.cfg.API.Password {
		metrics.AuthFailures.WithLabelValues("credentials").Inc()
		h.log.WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	h.log.InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"token": token})
}

// InitUploadRequest is the request payload for upload initialization.
type InitUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Private     bool   `json:"private"`
}

// InitUploadResponse is the response payload for upload initialization.
type InitUploadResponse struct {
	UploadURL string `json:"uploadUrl"`
	VideoID   string `json:"videoId"`
	Key       string `json:"key"`
	RequestID string `json:"requestId"`
}

// InitUploadHandler creates the asset record and presigns the source upload.
func (h *Handlers) InitUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "init-upload-handler",
		trace.WithAttributes(
			attribute.String("handler", "init-upload"),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	var req InitUploadRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	if err := validateFilename(req.Filename); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateContentType(req.ContentType); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	operator := OperatorFromContext(ctx)
	videoID := uuid.New().String()
	ext := strings.ToLower(filepath.Ext(req.Filename))
	key := fmt.Sprintf("uploads/%s%s", videoID, ext)

	span.SetAttributes(
		attribute.String("video.id", videoID),
		attribute.String("video.key", key),
	)

	if _, err := h.assets.CreateAsset(ctx, videoID, operator.Username, key, 0, req.Private); err != nil {
		span.RecordError(err)
		if errors.Is(err, models.ErrAssetExists) {
			h.writeError(ctx, w, http.StatusConflict, "Video already exists")
			return
		}
		h.log.ErrorContext(ctx, "Failed to create asset record",
			"error", err, "videoId", videoID, "requestId", requestID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	uploadURL, err := h.objects.PresignPut(ctx, key, req.ContentType, h.cfg.API.PresignExpiry)
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to presign upload",
			"error", err, "videoId", videoID, "requestId", requestID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.log.InfoContext(ctx, "Upload initialized",
		"videoId", videoID, "key", key, "requestId", requestID)

	h.writeJSON(ctx, w, http.StatusOK, InitUploadResponse{
		UploadURL: uploadURL,
		VideoID:   videoID,
		Key:       key,
		RequestID: requestID,
	})
}

// CompleteUploadRequest is the request payload for completing an upload.
type CompleteUploadRequest struct {
	VideoID string `json:"videoId"`
	Key     string `json:"key"`
}

// CompleteUploadResponse is the response payload for completed uploads.
type CompleteUploadResponse struct {
	VideoID   string `json:"videoId"`
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
}

// CompleteUploadHandler verifies the uploaded source and queues processing.
func (h *Handlers) CompleteUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	requestID := uuid.New().String()
	ctx, span := tracer.Start(ctx, "complete-upload-handler",
		trace.WithAttributes(
			attribute.String("handler", "complete-upload"),
			attribute.String("request.id", requestID),
		))
	defer span.End()

	var req CompleteUploadRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}

	if req.VideoID == "" {
		h.writeError(ctx, w, http.StatusBadRequest, models.ErrMissingVideoID.Error())
		return
	}
	if err := validateSourceKey(req.Key, req.VideoID); err != nil {
		span.RecordError(err)
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	span.SetAttributes(
		attribute.String("video.id", req.VideoID),
		attribute.String("video.key", req.Key),
	)

	asset, err := h.assets.GetAsset(ctx, req.VideoID)
	if err != nil {
		if errors.Is(err, models.ErrAssetNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Video not found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to load asset", "error", err, "videoId", req.VideoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	operator := OperatorFromContext(ctx)
	if asset.OwnerID != operator.Username {
		h.writeError(ctx, w, http.StatusForbidden, "Not the video owner")
		return
	}

	size, err := h.objects.Head(ctx, req.Key)
	if err != nil {
		span.RecordError(err)
		h.log.WarnContext(ctx, "Uploaded source not found",
			"key", req.Key, "videoId", req.VideoID, "requestId", requestID, "error", err)
		h.writeError(ctx, w, http.StatusNotFound, "Uploaded file not found")
		return
	}
	span.SetAttributes(attribute.Int64("video.size_bytes", size))

	if err := h.assets.SetSizeBytes(ctx, req.VideoID, size); err != nil {
		h.log.WarnContext(ctx, "Failed to record upload size", "videoId", req.VideoID, "error", err)
	}
	if err := h.assets.AddStorageUsed(ctx, asset.OwnerID, size); err != nil {
		h.log.WarnContext(ctx, "Failed to update storage quota", "ownerId", asset.OwnerID, "error", err)
	}
	if err := h.assets.SetStatus(ctx, req.VideoID, models.StatusProcessing, ""); err != nil {
		h.log.WarnContext(ctx, "Failed to set processing status", "videoId", req.VideoID, "error", err)
	}

	payload := models.VideoJobPayload{VideoID: req.VideoID}
	if err := h.jobs.Enqueue(ctx, models.JobTypeTranscode, payload, queue.EnqueueOptions{
		DedupKey: "transcode:" + req.VideoID,
	}); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to queue transcode job",
			"error", err, "videoId", req.VideoID, "requestId", requestID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to queue job")
		return
	}

	if asset.Private {
		// No public artifacts are derived, but the asset must still
		// converge to ready once transcoded.
		if err := h.assets.MarkThumbnailsSkipped(ctx, req.VideoID); err != nil {
			h.log.WarnContext(ctx, "Failed to mark thumbnails skipped", "videoId", req.VideoID, "error", err)
		}
	} else if err := h.jobs.Enqueue(ctx, models.JobTypeThumbnail, payload, queue.EnqueueOptions{
		DedupKey: "thumbnail:" + req.VideoID,
	}); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to queue thumbnail job",
			"error", err, "videoId", req.VideoID, "requestId", requestID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to queue job")
		return
	}

	h.log.InfoContext(ctx, "Processing jobs queued", "videoId", req.VideoID, "requestId", requestID)

	h.writeJSON(ctx, w, http.StatusAccepted, CompleteUploadResponse{
		VideoID:   req.VideoID,
		Status:    string(models.StatusProcessing),
		RequestID: requestID,
	})
}

// PlaybackResponse is the response payload for the playback endpoint.
type PlaybackResponse struct {
	VideoID         string             `json:"videoId"`
	Status          string             `json:"status"`
	DurationSeconds float64            `json:"durationSeconds"`
	Sources         map[string]string  `json:"sources"`
	PosterURL       string             `json:"posterUrl,omitempty"`
	Storyboard      *models.Storyboard `json:"storyboard,omitempty"`
	ViewToken       string             `json:"viewToken"`
}

// PlaybackHandler returns playback URLs for every rendition plus a playback
// token the player redeems once the view should count.
func (h *Handlers) PlaybackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := r.PathValue("id")

	ctx, span := tracer.Start(ctx, "playback-handler",
		trace.WithAttributes(attribute.String("video.id", videoID)))
	defer span.End()

	asset, err := h.assets.GetAsset(ctx, videoID)
	if err != nil {
		if errors.Is(err, models.ErrAssetNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Video not found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to load asset", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if asset.Private {
		claims, err := h.jwtService.claimsFromRequest(r)
		if err != nil || claims.Username != asset.OwnerID {
			h.writeError(ctx, w, http.StatusForbidden, models.ErrAssetPrivate.Error())
			return
		}
	}

	if asset.Status != models.StatusReady {
		h.writeJSON(ctx, w, http.StatusConflict, PlaybackResponse{
			VideoID: asset.VideoID,
			Status:  string(asset.Status),
			Sources: map[string]string{},
		})
		return
	}

	sources := make(map[string]string, len(asset.Sources))
	for label, src := range asset.Sources {
		u, err := h.playbackURL(ctx, src.Key)
		if err != nil {
			span.RecordError(err)
			h.log.ErrorContext(ctx, "Failed to build playback URL",
				"error", err, "videoId", videoID, "label", label)
			h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
			return
		}
		sources[label] = u
	}

	identifier := GetClientIP(r)
	if identifier == "" {
		if op := OperatorFromContext(ctx); op != nil {
			identifier = op.Username
		} else {
			identifier = asset.VideoID
		}
	}

	viewToken, err := h.playbackTokens.Issue(asset.VideoID, identifier, asset.DurationSeconds, time.Now())
	if err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to issue playback token", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := PlaybackResponse{
		VideoID:         asset.VideoID,
		Status:          string(asset.Status),
		DurationSeconds: asset.DurationSeconds,
		Sources:         sources,
		Storyboard:      asset.Storyboard,
		ViewToken:       viewToken,
	}
	if asset.LargeThumbnailKey != "" {
		if resp.PosterURL, err = h.playbackURL(ctx, asset.LargeThumbnailKey); err != nil {
			h.log.WarnContext(ctx, "Failed to build poster URL", "videoId", videoID, "error", err)
		}
	}

	h.writeJSON(ctx, w, http.StatusOK, resp)
}

// playbackURL prefers the CDN domain and falls back to a presigned URL.
func (h *Handlers) playbackURL(ctx context.Context, key string) (string, error) {
	if h.cfg.AWS.CDNDomain != "" {
		return fmt.Sprintf("https://%s/%s", h.cfg.AWS.CDNDomain, key), nil
	}
	return h.objects.PresignGet(ctx, key, h.cfg.API.PresignExpiry)
}

// ViewRequest is the request payload for view redemption.
type ViewRequest struct {
	Token string `json:"token"`
}

// ViewHandler redeems a playback token into one buffered view.
func (h *Handlers) ViewHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := r.PathValue("id")

	ctx, span := tracer.Start(ctx, "view-handler",
		trace.WithAttributes(attribute.String("video.id", videoID)))
	defer span.End()

	var req ViewRequest
	if !h.decodeBody(ctx, w, r, &req) {
		return
	}
	if req.Token == "" {
		h.writeError(ctx, w, http.StatusBadRequest, "token is required")
		return
	}

	tokenVideoID, err := h.viewIngest.Redeem(ctx, req.Token, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTokenInvalid):
			h.writeError(ctx, w, http.StatusUnauthorized, "Invalid playback token")
		case errors.Is(err, models.ErrViewTooEarly):
			h.writeError(ctx, w, http.StatusForbidden, "View counted too early")
		case errors.Is(err, models.ErrViewRateLimited):
			h.writeError(ctx, w, http.StatusTooManyRequests, "View already counted")
		default:
			span.RecordError(err)
			h.log.ErrorContext(ctx, "View redemption failed", "error", err, "videoId", videoID)
			h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	if tokenVideoID != videoID {
		h.writeError(ctx, w, http.StatusBadRequest, "Token does not match video")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteHandler schedules a cascading deletion for the video.
func (h *Handlers) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	videoID := r.PathValue("id")

	ctx, span := tracer.Start(ctx, "delete-handler",
		trace.WithAttributes(attribute.String("video.id", videoID)))
	defer span.End()

	asset, err := h.assets.GetAsset(ctx, videoID)
	if err != nil {
		if errors.Is(err, models.ErrAssetNotFound) {
			h.writeError(ctx, w, http.StatusNotFound, "Video not found")
			return
		}
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to load asset", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	operator := OperatorFromContext(ctx)
	if asset.OwnerID != operator.Username {
		h.writeError(ctx, w, http.StatusForbidden, "Not the video owner")
		return
	}

	if err := h.assets.MarkPendingDeletion(ctx, videoID, time.Now()); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to mark pending deletion", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := h.jobs.Enqueue(ctx, models.JobTypeDeletion, models.VideoJobPayload{VideoID: videoID}, queue.EnqueueOptions{
		DedupKey: "deletion:" + videoID,
	}); err != nil {
		span.RecordError(err)
		h.log.ErrorContext(ctx, "Failed to queue deletion job", "error", err, "videoId", videoID)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to queue job")
		return
	}

	h.log.InfoContext(ctx, "Deletion queued", "videoId", videoID, "ownerId", asset.OwnerID)
	w.WriteHeader(http.StatusAccepted)
}

// Validation functions

func validateFilename(filename string) error {
	if filename == "" {
		return errors.New("filename is required")
	}
	if len(filename) > MaxFilenameLength {
		return errors.New("filename too long")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("invalid file type: allowed extensions are mp4, mov, avi, mkv, webm")
	}

	return nil
}

func validateContentType(contentType string) error {
	if contentType == "" {
		return errors.New("content type is required")
	}
	if !AllowedContentTypes[contentType] {
		return fmt.Errorf("unsupported content type: %s", contentType)
	}
	return nil
}

func validateSourceKey(key, videoID string) error {
	if key == "" {
		return models.ErrMissingKey
	}

	decodedKey, err := url.PathUnescape(key)
	if err != nil {
		return errors.New("invalid key: bad URL encoding")
	}
	if strings.Contains(decodedKey, "..") || strings.Contains(key, "..") {
		return errors.New("invalid key: path traversal not allowed")
	}

	expectedPrefix := "uploads/" + videoID
	if !strings.HasPrefix(key, expectedPrefix) {
		return fmt.Errorf("invalid key: must start with %s", expectedPrefix)
	}

	ext := strings.ToLower(filepath.Ext(key))
	if !AllowedExtensions[ext] {
		return errors.New("invalid key: unsupported extension")
	}

	return nil
}
