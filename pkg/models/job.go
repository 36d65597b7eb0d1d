package models

import (
	"encoding/json"
	"time"
)

// JobType identifies the job kind dispatched by the queue.
type JobType string

const (
	JobTypeTranscode JobType = "transcode"
	JobTypeThumbnail JobType = "thumbnail"
	JobTypeDeletion  JobType = "deletion"
)

// Job is the envelope carried on the wire for every queued task.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	DedupKey  string          `json:"dedupKey,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// VideoJobPayload is the payload schema shared by all per-video job types.
type VideoJobPayload struct {
	VideoID string `json:"videoId"`
}

// Validate checks the payload has all required fields.
func (p *VideoJobPayload) Validate() error {
	if p.VideoID == "" {
		return ErrMissingVideoID
	}
	return nil
}
