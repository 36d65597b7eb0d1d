package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

var _ Toolchain = (*FFmpeg)(nil)

// FFmpeg implements Toolchain by shelling out to ffmpeg/ffprobe.
type FFmpeg struct {
	log *slog.Logger
}

// NewFFmpeg creates an ffmpeg-backed toolchain.
func NewFFmpeg(log *slog.Logger) *FFmpeg {
	return &FFmpeg{log: log}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

func runFFprobe(ctx context.Context, path string) (*ffprobeOutput, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "stream=codec_type,width,height:format=duration,bit_rate",
		"-of", "json",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrProbeFailed, err)
	}
	return &probe, nil
}

// Probe returns duration and native dimensions of the file.
func (f *FFmpeg) Probe(ctx context.Context, path string) (ProbeResult, error) {
	probe, err := runFFprobe(ctx, path)
	if err != nil {
		return ProbeResult{}, err
	}

	var result ProbeResult
	result.DurationSeconds, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	for _, s := range probe.Streams {
		if s.CodecType == "video" {
			result.Width = s.Width
			result.Height = s.Height
			break
		}
	}
	if result.Width == 0 || result.Height == 0 {
		return ProbeResult{}, fmt.Errorf("%w: no video stream in %s", models.ErrProbeFailed, path)
	}
	return result, nil
}

// ExtractFrame decodes a single frame at the given timestamp.
func (f *FFmpeg) ExtractFrame(ctx context.Context, path string, timestamp float64) (image.Image, error) {
	scratch, err := NewScratch("frame")
	if err != nil {
		return nil, err
	}
	defer scratch.Close()

	framePath := scratch.Path("frame.png")
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-ss", formatTimestamp(timestamp),
		"-i", path,
		"-frames:v", "1",
		framePath,
	)
	if err := f.run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrExtractFailed, err)
	}

	img, err := imaging.Open(framePath)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", models.ErrExtractFailed, err)
	}
	return img, nil
}

// Encode produces one rendition at the target dimensions. The output bitrate
// is measured from the encoded file, not taken from any preset.
func (f *FFmpeg) Encode(ctx context.Context, path string, width, height int, outPath string) (EncodeResult, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", path,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-c:a", "aac",
		"-movflags", "+faststart",
		outPath,
	)
	if err := f.run(ctx, cmd); err != nil {
		return EncodeResult{}, fmt.Errorf("%w: %dx%d: %v", models.ErrEncodeFailed, width, height, err)
	}

	probe, err := runFFprobe(ctx, outPath)
	if err != nil {
		return EncodeResult{}, err
	}
	bps, _ := strconv.Atoi(probe.Format.BitRate)
	if bps == 0 {
		// Fall back to size/duration when the container omits bit_rate.
		if info, statErr := os.Stat(outPath); statErr == nil {
			if dur, _ := strconv.ParseFloat(probe.Format.Duration, 64); dur > 0 {
				bps = int(float64(info.Size()) * 8 / dur)
			}
		}
	}

	return EncodeResult{Path: outPath, MeasuredBitrateKbps: bps / 1000}, nil
}

// SampleFrames decodes one frame per interval across the full duration.
func (f *FFmpeg) SampleFrames(ctx context.Context, path string, intervalSeconds float64) ([]image.Image, error) {
	if intervalSeconds <= 0 {
		intervalSeconds = 1
	}

	scratch, err := NewScratch("samples")
	if err != nil {
		return nil, err
	}
	defer scratch.Close()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", path,
		"-vf", fmt.Sprintf("fps=1/%g", intervalSeconds),
		scratch.Path("tile_%05d.png"),
	)
	if err := f.run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("%w: sample: %v", models.ErrExtractFailed, err)
	}

	matches, err := filepath.Glob(scratch.Path("tile_*.png"))
	if err != nil {
		return nil, fmt.Errorf("%w: glob: %v", models.ErrExtractFailed, err)
	}
	sort.Strings(matches)

	frames := make([]image.Image, 0, len(matches))
	for _, m := range matches {
		img, err := imaging.Open(m)
		if err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", models.ErrExtractFailed, m, err)
		}
		frames = append(frames, img)
	}
	return frames, nil
}

// run executes the command, draining stdout and logging interesting stderr
// lines until it exits.
func (f *FFmpeg) run(ctx context.Context, cmd *exec.Cmd) error {
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.monitorOutput(ctx, stderrPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	cmdErr := cmd.Wait()
	wg.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("context canceled: %w", ctx.Err())
		}
		return cmdErr
	}
	return nil
}

func (f *FFmpeg) monitorOutput(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			line := scanner.Text()
			if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
				f.log.Debug("FFmpeg progress", "output", line)
			} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
				f.log.Warn("FFmpeg warning", "output", line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		f.log.Warn("FFmpeg output scanner error", "error", err)
	}
}

func formatTimestamp(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 3, 64)
}
