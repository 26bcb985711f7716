package stages

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/provider"
	"github.com/luanle13/ancaptruyenlamvideo/provider/mock"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

func threeChapters() []task.Chapter {
	return []task.Chapter{
		{Number: 1, Title: "Chương 1"},
		{Number: 2, Title: "Chương 2"},
		{Number: 3, Title: "Chương 3"},
	}
}

func TestTranscriber_WritesBatchesAndStory(t *testing.T) {
	files := newFiles(t)
	tk := &task.Task{ID: "t1", Title: "Demo", Chapters: threeChapters()}
	writePages(t, files, "t1", 0, 2)
	writePages(t, files, "t1", 1, 1)
	writePages(t, files, "t1", 2, 1)

	p := mock.New("Câu chuyện bắt đầu.", "Anh ta nói.", "Kết thúc.")
	w := &Transcriber{Provider: p, Files: files, BatchSize: 2, ImagesPerRequest: 2, Backoff: time.Millisecond}
	run, rec, _ := newRun(tk)

	out := w.Execute(t.Context(), run)
	if !out.Success() {
		t.Fatalf("Execute: %v", out.Err)
	}
	wantArtifacts := []string{"scripts/batch_001.txt", "scripts/batch_002.txt", storyName}
	if strings.Join(out.Artifacts, ",") != strings.Join(wantArtifacts, ",") {
		t.Errorf("Artifacts = %v", out.Artifacts)
	}
	if out.Counters.BatchesExpected != 2 || out.Counters.BatchesProcessed != 2 {
		t.Errorf("Counters = %+v", out.Counters)
	}
	if rec.count(comms.EventBatchProcessing) != 2 || rec.count(comms.EventBatchCompleted) != 2 {
		t.Errorf("reports = %+v", rec.reports)
	}

	calls := p.Calls()
	if len(calls) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(calls))
	}
	first := calls[0][1]
	if !strings.Contains(first.Content, "Manga: Demo") || !strings.Contains(first.Content, "Phần 1/2 - Hình ảnh 1 đến 2") {
		t.Errorf("first prompt = %q", first.Content)
	}
	if first.Images[0].Caption == "" || first.Images[1].Caption != "" {
		t.Errorf("captions = %q, %q", first.Images[0].Caption, first.Images[1].Caption)
	}
	second := calls[1][1]
	if !strings.HasPrefix(second.Content, `Tiếp tục kể câu chuyện manga "Demo"`) {
		t.Errorf("continuation prompt = %q", second.Content)
	}
	if !strings.Contains(second.Images[0].Caption, "CHƯƠNG 2") {
		t.Errorf("chapter caption = %q", second.Images[0].Caption)
	}
	if calls[0][0].Role != provider.RoleSystem {
		t.Errorf("first message role = %s", calls[0][0].Role)
	}

	batch, err := files.ReadFile("t1", "scripts/batch_001.txt")
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	for _, want := range []string{"Task ID: t1", "Batch: 1/2", "Chapters: 1, 2", "=== PHẦN 1/2 ===", "Anh ta nói."} {
		if !strings.Contains(string(batch), want) {
			t.Errorf("batch script missing %q", want)
		}
	}
	story, err := files.ReadFile("t1", storyName)
	if err != nil {
		t.Fatalf("read story: %v", err)
	}
	if !strings.Contains(string(story), "Total Batches: 2") || !strings.Contains(string(story), "Kết thúc.") {
		t.Errorf("story = %s", story)
	}

	// A second run reuses the stored scripts.
	run2, _, _ := newRun(tk)
	out = w.Execute(t.Context(), run2)
	if !out.Success() || out.Counters.BatchesProcessed != 2 {
		t.Fatalf("rerun = %+v", out)
	}
	if len(p.Calls()) != 3 {
		t.Errorf("rerun called the provider again: %d calls", len(p.Calls()))
	}
}

func TestTranscriber_FailureKeepsPartialBatches(t *testing.T) {
	files := newFiles(t)
	tk := &task.Task{ID: "t1", Title: "Demo", Chapters: threeChapters()}
	for i := range 3 {
		writePages(t, files, "t1", i, 1)
	}
	p := mock.Script(
		mock.Step{Content: "Phần một."},
		mock.Step{Err: errors.New("upstream 500")},
	)
	w := &Transcriber{Provider: p, Files: files, BatchSize: 1, ImagesPerRequest: 5, Retries: 2, Backoff: time.Millisecond}
	run, _, _ := newRun(tk)

	out := w.Execute(t.Context(), run)
	if out.Success() {
		t.Fatal("expected failure")
	}
	if !strings.Contains(out.Err.Error(), "batch 2") {
		t.Errorf("Err = %v", out.Err)
	}
	if out.Counters.BatchesProcessed != 1 || out.Counters.BatchesExpected != 3 {
		t.Errorf("Counters = %+v", out.Counters)
	}
	if len(out.Artifacts) != 1 || out.Artifacts[0] != "scripts/batch_001.txt" {
		t.Errorf("Artifacts = %v", out.Artifacts)
	}
	if len(p.Calls()) != 3 {
		t.Errorf("calls = %d, want 1 + 2 attempts", len(p.Calls()))
	}
}

func TestTranscriber_NoChapters(t *testing.T) {
	w := &Transcriber{Provider: mock.New(), Files: newFiles(t), BatchSize: 10, ImagesPerRequest: 20}
	run, _, _ := newRun(&task.Task{ID: "t1"})
	out := w.Execute(t.Context(), run)
	if !out.Success() || len(out.Artifacts) != 0 || out.Counters.BatchesExpected != 0 {
		t.Fatalf("out = %+v", out)
	}
}

func TestScriptBody(t *testing.T) {
	content := rule + "\nCÂU CHUYỆN MANGA\n" + rule + "\nTask ID: x\n" + rule + "\n\nNội dung.\n"
	if got := scriptBody(content); got != "Nội dung." {
		t.Errorf("scriptBody = %q", got)
	}
	if got := scriptBody("plain text"); got != "plain text" {
		t.Errorf("scriptBody(plain) = %q", got)
	}
}
