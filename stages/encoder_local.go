package stages

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// LocalEncoder runs ffmpeg and ffprobe from the host.
type LocalEncoder struct {
	FFmpeg  string
	FFprobe string
}

// Probe implements Encoder.
func (e *LocalEncoder) Probe(ctx context.Context, path string) (time.Duration, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.FFprobe, probeArgs(path)...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w: %s", err, tail(stderr.Bytes(), 500))
	}
	return parseSeconds(string(out))
}

// Encode implements Encoder.
func (e *LocalEncoder) Encode(ctx context.Context, job EncodeJob, progress func(time.Duration)) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.FFmpeg, ffmpegArgs(job)...)
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	parseProgress(stdout, progress)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.Bytes(), 800))
	}
	return nil
}

func probeArgs(path string) []string {
	return []string{"-v", "error", "-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1", path}
}
