package stages

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/orchestrator"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// Per-image display time bounds.
const (
	minPerImage = 2 * time.Second
	maxPerImage = 10 * time.Second
)

// EncodeJob describes one video encode. All paths must be visible to the
// encoder.
type EncodeJob struct {
	ImageList string // ffmpeg concat list of pages
	AudioList string // ffmpeg concat list of narration tracks, optional
	Output    string
	Width     int
	Height    int
}

// Encoder measures media and runs ffmpeg.
type Encoder interface {
	// Probe returns the duration of a media file.
	Probe(ctx context.Context, path string) (time.Duration, error)

	// Encode runs the job and reports the encoded output time as it
	// advances.
	Encode(ctx context.Context, job EncodeJob, progress func(time.Duration)) error
}

// Video assembles the page images and narration tracks into one mp4.
type Video struct {
	Encoder Encoder
	Files   *artifact.Store
	Width   int
	Height  int
	Logger  *slog.Logger
}

// Phase implements orchestrator.Worker.
func (w *Video) Phase() task.Phase { return task.PhaseAssemblingVideo }

// Execute implements orchestrator.Worker. A task without images succeeds
// without producing a video.
func (w *Video) Execute(ctx context.Context, run *orchestrator.Run) orchestrator.Outcome {
	t := run.Task
	log := logger(w.Logger).With(slog.String("task_id", t.ID))

	var images []string
	for i := range t.Chapters {
		dir, err := w.Files.WorkDir(t.ID, chapterDir(i))
		if err != nil {
			return orchestrator.Fail(err)
		}
		files, err := pages(dir)
		if err != nil {
			return orchestrator.Fail(err)
		}
		images = append(images, files...)
	}
	if len(images) == 0 {
		log.Info("no images, skipping video")
		return orchestrator.Outcome{}
	}
	if run.Cancelled() {
		return orchestrator.Fail(task.ErrCancelled)
	}

	var tracks []string
	var narration time.Duration
	for _, a := range t.Artifacts {
		if !strings.HasPrefix(a, audioDir+"/") {
			continue
		}
		p, err := w.Files.Path(t.ID, a)
		if err != nil {
			return orchestrator.Fail(err)
		}
		d, err := w.Encoder.Probe(ctx, p)
		if err != nil {
			return orchestrator.Fail(fmt.Errorf("probe %s: %w", a, err))
		}
		tracks = append(tracks, p)
		narration += d
	}

	perImage := min(max(narration/time.Duration(len(images)), minPerImage), maxPerImage)
	expected := perImage * time.Duration(len(images))
	if narration > 0 {
		expected = min(expected, narration)
	}

	work, err := w.Files.WorkDir(t.ID, "video")
	if err != nil {
		return orchestrator.Fail(err)
	}
	job := EncodeJob{
		ImageList: filepath.Join(work, "images.txt"),
		Width:     w.Width,
		Height:    w.Height,
	}
	if err := os.WriteFile(job.ImageList, []byte(concatList(images, perImage)), 0o644); err != nil {
		return orchestrator.Fail(fmt.Errorf("write image list: %w", err))
	}
	if len(tracks) > 0 {
		job.AudioList = filepath.Join(work, "audio.txt")
		if err := os.WriteFile(job.AudioList, []byte(concatList(tracks, 0)), 0o644); err != nil {
			return orchestrator.Fail(fmt.Errorf("write audio list: %w", err))
		}
	}

	name := videoDir + "/" + sanitizeFilename(cases.Title(language.Vietnamese).String(t.Title)) + ".mp4"
	out, err := w.Files.Path(t.ID, name)
	if err != nil {
		return orchestrator.Fail(err)
	}
	job.Output = out + ".part"

	log.Info("encoding video", slog.Int("images", len(images)), slog.Duration("per_image", perImage), slog.Duration("narration", narration))
	run.Report(orchestrator.Progress{
		Type:    comms.EventVideoGenerating,
		Message: fmt.Sprintf("Generating video from %d images", len(images)),
		Data:    map[string]any{"images": len(images), "seconds_per_image": perImage.Seconds()},
	})

	last := 0
	err = w.Encoder.Encode(ctx, job, func(done time.Duration) {
		pct := min(int(100*done/max(expected, time.Second)), 99)
		if pct < last+5 {
			return
		}
		last = pct
		run.Report(orchestrator.Progress{
			Type:    comms.EventVideoProgress,
			Message: fmt.Sprintf("Encoding video: %d%%", pct),
			Data:    map[string]any{"percent": pct},
		})
	})
	if err != nil {
		os.Remove(job.Output)
		if run.Cancelled() {
			return orchestrator.Fail(task.ErrCancelled)
		}
		return orchestrator.Fail(fmt.Errorf("encode video: %w", err))
	}
	if err := os.Rename(job.Output, out); err != nil {
		return orchestrator.Fail(fmt.Errorf("store video: %w", err))
	}

	log.Info("video ready", slog.String("video", name))
	run.Report(orchestrator.Progress{
		Type:      comms.EventVideoCompleted,
		Message:   "Video generated",
		Artifacts: []string{name},
		Data:      map[string]any{"video": name},
	})
	return orchestrator.Outcome{Artifacts: []string{name}}
}

// concatList renders an ffmpeg concat demuxer script. With a positive
// duration every entry is shown that long and the last file is repeated
// as the demuxer requires.
func concatList(files []string, d time.Duration) string {
	var b strings.Builder
	quote := func(p string) string { return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'" }
	for _, f := range files {
		fmt.Fprintf(&b, "file %s\n", quote(f))
		if d > 0 {
			fmt.Fprintf(&b, "duration %s\n", strconv.FormatFloat(d.Seconds(), 'f', 3, 64))
		}
	}
	if d > 0 && len(files) > 0 {
		fmt.Fprintf(&b, "file %s\n", quote(files[len(files)-1]))
	}
	return b.String()
}

// ffmpegArgs builds the command line for job. Progress is written as
// key=value lines on stdout.
func ffmpegArgs(job EncodeJob) []string {
	w, h := job.Width, job.Height
	if w <= 0 || h <= 0 {
		w, h = 1280, 720
	}
	args := []string{"-y", "-nostats", "-progress", "pipe:1",
		"-f", "concat", "-safe", "0", "-i", job.ImageList}
	if job.AudioList != "" {
		args = append(args, "-f", "concat", "-safe", "0", "-i", job.AudioList)
	}
	args = append(args, "-c:v", "libx264", "-preset", "fast", "-crf", "23")
	if job.AudioList != "" {
		args = append(args, "-c:a", "aac", "-b:a", "192k", "-shortest")
	}
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h),
		"-movflags", "+faststart",
		"-f", "mp4", job.Output)
	return args
}

// parseProgress reads ffmpeg -progress output and reports out_time.
func parseProgress(r io.Reader, fn func(time.Duration)) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, val, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok || (key != "out_time_us" && key != "out_time_ms") {
			continue
		}
		// Both keys carry microseconds.
		us, err := strconv.ParseInt(val, 10, 64)
		if err != nil || us < 0 {
			continue
		}
		if fn != nil {
			fn(time.Duration(us) * time.Microsecond)
		}
	}
}

// parseSeconds parses ffprobe's duration output.
func parseSeconds(out string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(out), err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
