package stages

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// fakeEncoder reports a fixed narration length and writes a dummy video.
type fakeEncoder struct {
	duration time.Duration
	err      error
	jobs     []EncodeJob
}

func (e *fakeEncoder) Probe(ctx context.Context, path string) (time.Duration, error) {
	return e.duration, nil
}

func (e *fakeEncoder) Encode(ctx context.Context, job EncodeJob, progress func(time.Duration)) error {
	e.jobs = append(e.jobs, job)
	if e.err != nil {
		return e.err
	}
	for d := time.Second; d <= 10*time.Second; d += time.Second {
		progress(d)
	}
	return os.WriteFile(job.Output, []byte("mp4"), 0o644)
}

func TestVideo_AssemblesImagesAndNarration(t *testing.T) {
	files := newFiles(t)
	writePages(t, files, "t1", 0, 2)
	writePages(t, files, "t1", 1, 3)
	if err := files.WriteFile("t1", "audio/batch_001.mp3", []byte("mp3")); err != nil {
		t.Fatal(err)
	}
	tk := &task.Task{
		ID:        "t1",
		Title:     "đảo hải tặc",
		Chapters:  []task.Chapter{{Number: 1}, {Number: 2}},
		Artifacts: []string{"scripts/batch_001.txt", "audio/batch_001.mp3"},
	}
	enc := &fakeEncoder{duration: 20 * time.Second}
	w := &Video{Encoder: enc, Files: files, Width: 1280, Height: 720}
	run, rec, _ := newRun(tk)

	out := w.Execute(t.Context(), run)
	if !out.Success() {
		t.Fatalf("Execute: %v", out.Err)
	}
	if len(out.Artifacts) != 1 || out.Artifacts[0] != "video/Đảo_Hải_Tặc.mp4" {
		t.Fatalf("Artifacts = %v", out.Artifacts)
	}
	if _, _, err := files.Open("t1", out.Artifacts[0]); err != nil {
		t.Errorf("video not stored: %v", err)
	}

	job := enc.jobs[0]
	list, err := os.ReadFile(job.ImageList)
	if err != nil {
		t.Fatal(err)
	}
	// 20s of narration over 5 images gives 4s each, last file repeated.
	if got := strings.Count(string(list), "duration 4.000"); got != 5 {
		t.Errorf("image list:\n%s", list)
	}
	if got := strings.Count(string(list), "file '"); got != 6 {
		t.Errorf("file entries = %d, want 6", got)
	}
	if job.AudioList == "" {
		t.Error("narration not passed to encoder")
	}

	if rec.count(comms.EventVideoGenerating) != 1 || rec.count(comms.EventVideoCompleted) != 1 {
		t.Errorf("reports = %+v", rec.reports)
	}
	if n := rec.count(comms.EventVideoProgress); n == 0 || n > 20 {
		t.Errorf("video_progress reports = %d", n)
	}
}

func TestVideo_NoImagesSucceedsWithoutArtifact(t *testing.T) {
	enc := &fakeEncoder{}
	w := &Video{Encoder: enc, Files: newFiles(t)}
	run, _, _ := newRun(&task.Task{ID: "t1", Chapters: []task.Chapter{{Number: 1}}})

	out := w.Execute(t.Context(), run)
	if !out.Success() || len(out.Artifacts) != 0 || len(enc.jobs) != 0 {
		t.Fatalf("out = %+v, jobs = %d", out, len(enc.jobs))
	}
}

func TestVideo_EncodeFailure(t *testing.T) {
	files := newFiles(t)
	writePages(t, files, "t1", 0, 1)
	w := &Video{Encoder: &fakeEncoder{err: errors.New("ffmpeg exited 1")}, Files: files}
	run, _, _ := newRun(&task.Task{ID: "t1", Title: "x", Chapters: []task.Chapter{{Number: 1}}})

	out := w.Execute(t.Context(), run)
	if out.Success() {
		t.Fatal("expected failure")
	}
	if listed, _ := files.List("t1"); len(listed) != 0 {
		t.Errorf("artifacts left behind: %v", listed)
	}
}

func TestFFmpegArgs(t *testing.T) {
	args := ffmpegArgs(EncodeJob{ImageList: "/w/images.txt", AudioList: "/w/audio.txt", Output: "/c/v.mp4.part", Width: 640, Height: 360})
	joined := strings.Join(args, " ")
	for _, want := range []string{"-progress pipe:1", "-i /w/images.txt", "-i /w/audio.txt", "-shortest", "scale=640:360", "-f mp4 /c/v.mp4.part"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	silent := ffmpegArgs(EncodeJob{ImageList: "i", Output: "o"})
	if slices.Contains(silent, "-shortest") || !strings.Contains(strings.Join(silent, " "), "scale=1280:720") {
		t.Errorf("silent args = %v", silent)
	}
}

func TestParseProgress(t *testing.T) {
	var got []time.Duration
	parseProgress(strings.NewReader("frame=10\nout_time_us=1500000\nout_time=00:00:01.5\nout_time_us=N/A\nprogress=continue\nout_time_ms=3000000\n"), func(d time.Duration) {
		got = append(got, d)
	})
	if len(got) != 2 || got[0] != 1500*time.Millisecond || got[1] != 3*time.Second {
		t.Errorf("got %v", got)
	}
}

func TestConcatList_QuotesPaths(t *testing.T) {
	got := concatList([]string{"/a/it's.jpg"}, 0)
	if got != "file '/a/it'\\''s.jpg'\n" {
		t.Errorf("concatList = %q", got)
	}
}
