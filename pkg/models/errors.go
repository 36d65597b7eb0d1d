package models

import "errors"

// Sentinel errors for video operations.
var (
	// Validation errors
	ErrMissingVideoID = errors.New("videoId is required")
	ErrMissingOwnerID = errors.New("ownerId is required")
	ErrMissingKey     = errors.New("object key is required")

	// Processing errors
	ErrJobParseFailed = errors.New("failed to parse job")
	ErrEncodeFailed   = errors.New("encode failed")
	ErrProbeFailed    = errors.New("probe failed")
	ErrExtractFailed  = errors.New("frame extraction failed")

	// Storage errors
	ErrAssetNotFound  = errors.New("video asset not found")
	ErrSourceNotFound = errors.New("native source not found")
	ErrAssetExists    = errors.New("video asset already exists")
	ErrAssetPrivate   = errors.New("asset is private")
	ErrInvalidStatus  = errors.New("invalid video status")

	// View counting errors
	ErrTokenInvalid    = errors.New("invalid playback token")
	ErrViewTooEarly    = errors.New("view counted too early")
	ErrViewRateLimited = errors.New("view already counted in window")
)
