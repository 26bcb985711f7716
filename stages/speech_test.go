package stages

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/luanle13/ancaptruyenlamvideo/task"
)

func TestCleanScript(t *testing.T) {
	script := `
=== PHẦN 1/2 ===
PHẦN 1/2
Manga: Demo
Tất nhiên rồi, đây là câu chuyện.
CHƯƠNG 3
Câu chuyện bắt đầu khi trời mưa.   Anh ta chạy!
Câu chuyện bắt đầu khi trời mưa.
---
Hết.`
	got := CleanScript(script)
	want := "Chương 3. Câu chuyện bắt đầu khi trời mưa. Anh ta chạy! Hết."
	if got != want {
		t.Errorf("CleanScript =\n%q\nwant\n%q", got, want)
	}
}

func TestCleanScript_NormalizesToNFC(t *testing.T) {
	decomposed := "Ha\u0300 No\u0323\u0302i."
	if got := CleanScript(decomposed); got != "H\u00e0 N\u1ed9i." {
		t.Errorf("CleanScript = %q", got)
	}
}

// fakeRunner records invocations and writes the media file edge-tts would.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	if r.err != nil {
		return nil, r.err
	}
	i := slices.Index(args, "--write-media")
	return nil, os.WriteFile(args[i+1], []byte("mp3"), 0o644)
}

func TestSpeech_SynthesizesEachBatch(t *testing.T) {
	files := newFiles(t)
	for _, name := range []string{"scripts/batch_001.txt", "scripts/batch_002.txt"} {
		body := rule + "\nCÂU CHUYỆN MANGA\n" + rule + "\nTask ID: t1\n" + rule + "\n\n=== PHẦN 1/1 ===\n\nMột câu.\n"
		if err := files.WriteFile("t1", name, []byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	tk := &task.Task{ID: "t1", Artifacts: []string{"scripts/batch_001.txt", "scripts/batch_002.txt", storyName}}
	runner := &fakeRunner{}
	w := &Speech{Runner: runner, Files: files, Binary: "edge-tts", Voice: "vi-VN-NamMinhNeural", Rate: "+10%"}
	run, _, _ := newRun(tk)

	out := w.Execute(t.Context(), run)
	if !out.Success() {
		t.Fatalf("Execute: %v", out.Err)
	}
	if strings.Join(out.Artifacts, ",") != "audio/batch_001.mp3,audio/batch_002.mp3" {
		t.Errorf("Artifacts = %v", out.Artifacts)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("runner calls = %d", len(runner.calls))
	}
	call := runner.calls[0]
	if call[0] != "edge-tts" || !slices.Contains(call, "vi-VN-NamMinhNeural") || !slices.Contains(call, "--rate=+10%") {
		t.Errorf("call = %v", call)
	}
	listed, _ := files.List("t1")
	if !slices.Contains(listed, "audio/batch_002.mp3") {
		t.Errorf("listed = %v", listed)
	}

	// Existing tracks are not synthesized again.
	run2, _, _ := newRun(tk)
	if out := w.Execute(t.Context(), run2); !out.Success() || len(out.Artifacts) != 2 {
		t.Fatalf("rerun = %+v", out)
	}
	if len(runner.calls) != 2 {
		t.Errorf("rerun invoked edge-tts again")
	}
}

func TestSpeech_RunnerFailure(t *testing.T) {
	files := newFiles(t)
	if err := files.WriteFile("t1", "scripts/batch_001.txt", []byte("Một câu.")); err != nil {
		t.Fatal(err)
	}
	w := &Speech{Runner: &fakeRunner{err: errors.New("exit status 1")}, Files: files, Binary: "edge-tts", Voice: "v"}
	run, _, _ := newRun(&task.Task{ID: "t1", Artifacts: []string{"scripts/batch_001.txt"}})

	out := w.Execute(t.Context(), run)
	if out.Success() {
		t.Fatal("expected failure")
	}
	if listed, _ := files.List("t1"); slices.Contains(listed, "audio/batch_001.mp3") {
		t.Error("failed synthesis left an audio artifact")
	}
}
