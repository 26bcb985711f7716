package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	"github.com/luanle13/ancaptruyenlamvideo/orchestrator"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// Runner executes an external program and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs programs on the host.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, tail(out, 500))
	}
	return out, nil
}

// Speech synthesises one narration track per batch script with edge-tts.
type Speech struct {
	Runner Runner
	Files  *artifact.Store
	Binary string
	Voice  string
	Rate   string
	Logger *slog.Logger
}

// Phase implements orchestrator.Worker.
func (w *Speech) Phase() task.Phase { return task.PhaseSynthesizingAudio }

// Execute implements orchestrator.Worker. Existing tracks are kept.
func (w *Speech) Execute(ctx context.Context, run *orchestrator.Run) orchestrator.Outcome {
	t := run.Task
	log := logger(w.Logger).With(slog.String("task_id", t.ID))
	scripts := batchScripts(t.Artifacts)

	var artifacts []string
	for i, script := range scripts {
		if run.Cancelled() {
			return orchestrator.Outcome{Artifacts: artifacts, Err: task.ErrCancelled}
		}
		name := audioDir + "/" + strings.TrimSuffix(path.Base(script), ".txt") + ".mp3"
		if f, _, err := w.Files.Open(t.ID, name); err == nil {
			f.Close()
			artifacts = append(artifacts, name)
			continue
		}

		raw, err := w.Files.ReadFile(t.ID, script)
		if err != nil {
			return orchestrator.Outcome{Artifacts: artifacts, Err: err}
		}
		text := CleanScript(scriptBody(string(raw)))
		if text == "" {
			log.Warn("empty narration, skipping", slog.String("script", script))
			continue
		}

		dir, err := w.Files.WorkDir(t.ID, "tts")
		if err != nil {
			return orchestrator.Outcome{Artifacts: artifacts, Err: err}
		}
		in := filepath.Join(dir, path.Base(script))
		if err := os.WriteFile(in, []byte(text), 0o644); err != nil {
			return orchestrator.Outcome{Artifacts: artifacts, Err: fmt.Errorf("write narration: %w", err)}
		}
		out, err := w.Files.Path(t.ID, name)
		if err != nil {
			return orchestrator.Outcome{Artifacts: artifacts, Err: err}
		}
		args := []string{"--voice", w.Voice, "-f", in, "--write-media", out + ".part"}
		if w.Rate != "" {
			args = append(args, "--rate="+w.Rate)
		}
		if _, err := w.Runner.Run(ctx, w.Binary, args...); err != nil {
			os.Remove(out + ".part")
			if run.Cancelled() {
				return orchestrator.Outcome{Artifacts: artifacts, Err: task.ErrCancelled}
			}
			return orchestrator.Outcome{Artifacts: artifacts, Err: fmt.Errorf("synthesize %s: %w", script, err)}
		}
		if err := os.Rename(out+".part", out); err != nil {
			return orchestrator.Outcome{Artifacts: artifacts, Err: fmt.Errorf("store audio: %w", err)}
		}

		artifacts = append(artifacts, name)
		log.Info("narration synthesized", slog.String("audio", name))
		run.Report(orchestrator.Progress{
			Message:   fmt.Sprintf("Synthesized audio %d/%d", i+1, len(scripts)),
			Artifacts: []string{name},
			Data:      map[string]any{"audio": name},
		})
	}
	return orchestrator.Outcome{Artifacts: artifacts}
}

// batchScripts returns the per-batch script artifacts in order.
func batchScripts(artifacts []string) []string {
	var out []string
	for _, a := range artifacts {
		if strings.HasPrefix(a, scriptsDir+"/batch_") && strings.HasSuffix(a, ".txt") {
			out = append(out, a)
		}
	}
	return out
}

var (
	partMarker    = regexp.MustCompile(`^PHẦN\s*\d+/\d+`)
	chapterMarker = regexp.MustCompile(`CHƯƠNG\s*(\d+(?:\.\d+)?)`)
	sentenceEnd   = regexp.MustCompile(`[.!?]+`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
	spaceRuns     = regexp.MustCompile(` {2,}`)
	wsRuns        = regexp.MustCompile(`\s+`)

	metadataKeys = []string{"Task ID:", "Batch:", "Chapters:", "Generated:", "Total Batches:", "Manga:"}

	// Conversational filler the model sometimes adds around the narration.
	fillerPhrases = []string{
		"Tất nhiên rồi", "Hãy để tôi", "Tôi sẽ tiếp tục", "Tôi sẽ kể", "Được rồi",
		"Chắc chắn rồi", "Như bạn yêu cầu", "Theo yêu cầu", "Dưới đây là", "Đây là phần",
		"Tiếp tục từ", "BẮT ĐẦU VIẾT", "TIẾP TỤC:", "CÂU CHUYỆN:",
	}
)

// CleanScript turns a generated script into plain narration: separators,
// part markers, metadata and filler lines are dropped, chapter headers
// become spoken "Chương N." and repeated sentences are removed.
func CleanScript(script string) string {
	script = norm.NFC.String(script)
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		s := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(s, "--- CHƯƠNG"), strings.HasPrefix(s, "CHƯƠNG"):
			if m := chapterMarker.FindStringSubmatch(s); m != nil {
				lines = append(lines, "Chương "+m[1]+".")
			}
			continue
		case strings.HasPrefix(s, "==="), strings.HasPrefix(s, "---"):
			continue
		case partMarker.MatchString(s):
			continue
		case len(lines) == 0 && s == "":
			continue
		case containsAny(line, metadataKeys), containsAny(s, fillerPhrases):
			continue
		}
		lines = append(lines, line)
	}
	text := strings.Join(lines, "\n")

	seen := make(map[string]struct{})
	var kept []string
	start := 0
	emit := func(sentence, punct string) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			return
		}
		key := wsRuns.ReplaceAllString(strings.ToLower(sentence), " ")
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		kept = append(kept, sentence+punct)
	}
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		emit(text[start:loc[0]], text[loc[0]:loc[1]])
		start = loc[1]
	}
	emit(text[start:], "")

	text = strings.Join(kept, " ")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	text = spaceRuns.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
