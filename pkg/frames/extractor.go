package frames

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/psantana5/trailscan/pkg/models"
)

// Extractor samples still frames from a video. Extraction is best-effort:
// callers log a failure and carry on without frames.
type Extractor interface {
	Extract(ctx context.Context, video models.Video, fps float64, outputKey string) ([]string, error)
}

// FFmpegExtractor shells out to ffmpeg
type FFmpegExtractor struct {
	FFmpegPath string
	OutputDir  string
}

// NewFFmpegExtractor creates an extractor writing under outputDir
func NewFFmpegExtractor(ffmpegPath, outputDir string) *FFmpegExtractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegExtractor{FFmpegPath: ffmpegPath, OutputDir: outputDir}
}

// BuildArgs returns the ffmpeg arguments for sampling at fps into dir
func BuildArgs(input string, fps float64, dir string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", input,
		"-vf", "fps=" + strconv.FormatFloat(fps, 'f', -1, 64),
		"-q:v", "2",
		filepath.Join(dir, "frame_%04d.jpg"),
	}
}

// Extract writes frames to OutputDir/outputKey and returns their paths in order
func (e *FFmpegExtractor) Extract(ctx context.Context, video models.Video, fps float64, outputKey string) ([]string, error) {
	dir := filepath.Join(e.OutputDir, outputKey)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.FFmpegPath, BuildArgs(video.Path, fps, dir)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %w: %s", err, stderr.String())
	}

	frames, err := filepath.Glob(filepath.Join(dir, "frame_*.jpg"))
	if err != nil {
		return nil, err
	}
	sort.Strings(frames)
	return frames, nil
}

// NoopExtractor is used when frame extraction is disabled
type NoopExtractor struct{}

// Extract returns no frames
func (NoopExtractor) Extract(context.Context, models.Video, float64, string) ([]string, error) {
	return nil, nil
}
