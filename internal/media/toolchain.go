// Package media wraps the external media toolchain (probe, frame extraction,
// encoding, frame sampling) behind an interface so workers can be tested
// without invoking real processes.
package media

import (
	"context"
	"image"
)

// ProbeResult holds the container-level facts about a video file.
type ProbeResult struct {
	DurationSeconds float64
	Width           int
	Height          int
}

// EncodeResult describes one produced rendition.
type EncodeResult struct {
	Path                string
	MeasuredBitrateKbps int
}

// Toolchain is the set of media operations the workers depend on.
type Toolchain interface {
	// Probe returns duration and native dimensions of the file.
	Probe(ctx context.Context, path string) (ProbeResult, error)

	// ExtractFrame decodes a single frame at the given timestamp.
	ExtractFrame(ctx context.Context, path string, timestamp float64) (image.Image, error)

	// Encode produces a rendition at the target dimensions and reports its
	// measured output bitrate.
	Encode(ctx context.Context, path string, width, height int, outPath string) (EncodeResult, error)

	// SampleFrames decodes one frame per interval across the full duration.
	SampleFrames(ctx context.Context, path string, intervalSeconds float64) ([]image.Image, error)
}
