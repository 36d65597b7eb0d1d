package models

import (
	"fmt"
	"path"
	"strings"
)

// VideoStatus represents the lifecycle status of a video asset.
type VideoStatus string

const (
	StatusUploading  VideoStatus = "uploading"
	StatusProcessing VideoStatus = "processing"
	StatusReady      VideoStatus = "ready"
	StatusFailed     VideoStatus = "failed"
)

// IsValid returns true if the status is a valid VideoStatus.
func (s VideoStatus) IsValid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// VideoSource is one stored rendition of a video. Exactly one source per
// asset has IsNative set; all others are derived from it.
type VideoSource struct {
	Key             string `dynamodbav:"key" json:"key"`
	Width           int    `dynamodbav:"width" json:"width"`
	Height          int    `dynamodbav:"height" json:"height"`
	MeasuredBitrate int    `dynamodbav:"measured_bitrate_kbps" json:"measuredBitrateKbps"`
	IsNative        bool   `dynamodbav:"is_native" json:"isNative"`
}

// StoryboardTile maps one sampled timestamp to its offset in the sprite.
type StoryboardTile struct {
	StartTime float64 `dynamodbav:"start_time" json:"startTime"`
	X         int     `dynamodbav:"x" json:"x"`
	Y         int     `dynamodbav:"y" json:"y"`
}

// Storyboard describes the scrub-preview sprite: a single image a player
// fetches once, plus the manifest addressing every tile inside it.
type Storyboard struct {
	Key        string           `dynamodbav:"key" json:"key"`
	TileWidth  int              `dynamodbav:"tile_width" json:"tileWidth"`
	TileHeight int              `dynamodbav:"tile_height" json:"tileHeight"`
	Tiles      []StoryboardTile `dynamodbav:"tiles" json:"tiles"`
}

// VideoAsset is the metadata record for one uploaded video.
type VideoAsset struct {
	// Keys
	PK     string `dynamodbav:"pk" json:"-"`
	SK     string `dynamodbav:"sk" json:"-"`
	GSI1PK string `dynamodbav:"gsi1pk,omitempty" json:"-"`
	GSI1SK string `dynamodbav:"gsi1sk,omitempty" json:"-"`

	// Attributes
	VideoID           string                 `dynamodbav:"video_id" json:"videoId"`
	OwnerID           string                 `dynamodbav:"owner_id" json:"ownerId"`
	NativeSourceKey   string                 `dynamodbav:"native_source_key" json:"nativeSourceKey"`
	SizeBytes         int64                  `dynamodbav:"size_bytes" json:"sizeBytes"`
	DurationSeconds   float64                `dynamodbav:"duration_seconds,omitempty" json:"durationSeconds,omitempty"`
	Status            VideoStatus            `dynamodbav:"status" json:"status"`
	Private           bool                   `dynamodbav:"private" json:"private"`
	Sources           map[string]VideoSource `dynamodbav:"sources,omitempty" json:"sources,omitempty"`
	SmallThumbnailKey string                 `dynamodbav:"small_thumbnail_key,omitempty" json:"smallThumbnailKey,omitempty"`
	LargeThumbnailKey string                 `dynamodbav:"large_thumbnail_key,omitempty" json:"largeThumbnailKey,omitempty"`
	Storyboard        *Storyboard            `dynamodbav:"storyboard,omitempty" json:"storyboard,omitempty"`
	Views             int64                  `dynamodbav:"views,omitempty" json:"views,omitempty"`
	CreatedAt         string                 `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt         string                 `dynamodbav:"updated_at" json:"updatedAt"`
	PendingDeletionAt string                 `dynamodbav:"pending_deletion_at,omitempty" json:"pendingDeletionAt,omitempty"`
	ErrorMessage      string                 `dynamodbav:"error_message,omitempty" json:"errorMessage,omitempty"`
}

// NativeSource returns the asset's native source, or nil if none is recorded.
func (a *VideoAsset) NativeSource() *VideoSource {
	for k := range a.Sources {
		if a.Sources[k].IsNative {
			src := a.Sources[k]
			return &src
		}
	}
	return nil
}

// SourceLabel is the sources-map key for a given rendition height.
func SourceLabel(height int) string {
	return fmt.Sprintf("%dp", height)
}

// Derived-artifact key helpers. Every derived key is a pure function of the
// native key, so re-running a job overwrites its previous output instead of
// accumulating duplicates, and a single prefix listing finds all artifacts.

func keyBase(nativeKey string) string {
	return strings.TrimSuffix(nativeKey, path.Ext(nativeKey))
}

// RenditionKey is the object key for a derived rendition at the given height.
func RenditionKey(nativeKey string, height int) string {
	return fmt.Sprintf("%s_%dp.mp4", keyBase(nativeKey), height)
}

// SmallThumbnailKey is the object key for the cropped small poster.
func SmallThumbnailKey(nativeKey string) string {
	return keyBase(nativeKey) + "_thumb_small.jpg"
}

// LargeThumbnailKey is the object key for the uncropped large poster.
func LargeThumbnailKey(nativeKey string) string {
	return keyBase(nativeKey) + "_thumb_large.jpg"
}

// StoryboardKey is the object key for the scrub-preview sprite.
func StoryboardKey(nativeKey string) string {
	return keyBase(nativeKey) + "_storyboard.jpg"
}

// ArtifactPrefix is the object-key prefix shared by the native source and
// every derived artifact, used to enumerate versions during deletion.
func ArtifactPrefix(nativeKey string) string {
	return keyBase(nativeKey)
}
