package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/orchestrator"
	"github.com/luanle13/ancaptruyenlamvideo/provider"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

const (
	rule = "=================================================="

	systemPrompt = "Bạn là một người kể chuyện tài ba. Hãy kể lại nội dung manga thành câu chuyện văn xuôi hấp dẫn bằng tiếng Việt. Viết như đang kể chuyện cho người nghe, không phải hướng dẫn làm video."

	narrationPrompt = `Bạn là một người kể chuyện chuyên nghiệp. Nhiệm vụ của bạn là đọc các hình ảnh manga và viết lại thành một câu chuyện văn xuôi hấp dẫn bằng tiếng Việt.

Manga: %s
%s

Hãy xem các hình ảnh manga và viết thành một câu chuyện kể theo phong cách tiểu thuyết/truyện kể:

Yêu cầu:
- Viết như đang KỂ CHUYỆN cho người nghe, không phải hướng dẫn làm video
- Mô tả chi tiết bối cảnh, hành động, cảm xúc của nhân vật
- Chuyển tất cả đối thoại trong manga sang tiếng Việt tự nhiên
- Sử dụng văn phong hấp dẫn, lôi cuốn người đọc
- Kể chuyện mạch lạc, liền mạch từ đầu đến cuối
- Thêm các chi tiết miêu tả để người đọc/nghe có thể hình dung được câu chuyện

Viết theo phong cách: "Câu chuyện bắt đầu khi... Nhân vật chính... Anh ta nói:... Sau đó..."

---
CÂU CHUYỆN:
`

	continuationPrompt = `Tiếp tục kể câu chuyện manga "%s".
%s

Tiếp tục kể chuyện từ phần trước một cách mạch lạc. Nhớ giữ văn phong kể chuyện hấp dẫn:
`
)

// Transcriber narrates the downloaded pages with a vision model, one script
// per batch of chapters.
type Transcriber struct {
	Provider         provider.Provider
	Files            *artifact.Store
	BatchSize        int // chapters per batch
	ImagesPerRequest int
	Retries          int
	Backoff          time.Duration
	Logger           *slog.Logger
}

// Phase implements orchestrator.Worker.
func (w *Transcriber) Phase() task.Phase { return task.PhaseProcessingAI }

type pageFile struct {
	path    string
	chapter float64
}

// Execute implements orchestrator.Worker. Batches whose script already
// exists are reused.
func (w *Transcriber) Execute(ctx context.Context, run *orchestrator.Run) orchestrator.Outcome {
	t := run.Task
	log := logger(w.Logger).With(slog.String("task_id", t.ID))

	groups := chunk(indexes(len(t.Chapters)), w.BatchSize)
	counters := task.Counters{BatchesExpected: len(groups)}
	var artifacts, bodies []string
	partial := func(err error) orchestrator.Outcome {
		return orchestrator.Outcome{Artifacts: artifacts, Counters: counters, Err: err}
	}

	for b, group := range groups {
		if run.Cancelled() {
			return partial(task.ErrCancelled)
		}
		name := scriptName(b)
		numbers := make([]string, len(group))
		for i, idx := range group {
			numbers[i] = strconv.FormatFloat(t.Chapters[idx].Number, 'f', -1, 64)
		}

		if existing, err := w.Files.ReadFile(t.ID, name); err == nil {
			log.Info("reusing batch script", slog.String("batch", name))
			artifacts = append(artifacts, name)
			bodies = append(bodies, scriptBody(string(existing)))
			counters.BatchesProcessed++
			run.Report(orchestrator.Progress{Counters: counters, Artifacts: []string{name}})
			continue
		} else if !errors.Is(err, task.ErrNotFound) {
			return partial(err)
		}

		run.Report(orchestrator.Progress{
			Type:    comms.EventBatchProcessing,
			Message: fmt.Sprintf("Processing batch %d/%d", b+1, len(groups)),
			Data:    map[string]any{"batch": b + 1, "total_batches": len(groups), "chapters": numbers},
		})

		var pgs []pageFile
		for _, idx := range group {
			dir, err := w.Files.WorkDir(t.ID, chapterDir(idx))
			if err != nil {
				return partial(err)
			}
			files, err := pages(dir)
			if err != nil {
				return partial(err)
			}
			for _, f := range files {
				pgs = append(pgs, pageFile{path: f, chapter: t.Chapters[idx].Number})
			}
		}

		body, err := w.narrate(ctx, run, t.Title, pgs)
		if err != nil {
			if run.Cancelled() || errors.Is(err, task.ErrCancelled) {
				return partial(task.ErrCancelled)
			}
			return partial(fmt.Errorf("batch %d: %w", b+1, err))
		}

		content := rule + "\nCÂU CHUYỆN MANGA\n" + rule + "\n" +
			"Task ID: " + t.ID + "\n" +
			fmt.Sprintf("Batch: %d/%d\n", b+1, len(groups)) +
			"Chapters: " + strings.Join(numbers, ", ") + "\n" +
			"Generated: " + time.Now().UTC().Format(time.RFC3339) + "\n" +
			rule + "\n\n" + body + "\n"
		if err := w.Files.WriteFile(t.ID, name, []byte(content)); err != nil {
			return partial(err)
		}
		artifacts = append(artifacts, name)
		bodies = append(bodies, body)
		counters.BatchesProcessed++
		log.Info("batch transcribed", slog.String("batch", name), slog.Int("images", len(pgs)))
		run.Report(orchestrator.Progress{
			Type:      comms.EventBatchCompleted,
			Message:   fmt.Sprintf("Completed batch %d/%d", b+1, len(groups)),
			Counters:  counters,
			Artifacts: []string{name},
			Data:      map[string]any{"batch": b + 1, "script": name},
		})
	}

	if len(bodies) > 0 {
		story := rule + "\nCÂU CHUYỆN MANGA - BẢN ĐẦY ĐỦ\n" + rule + "\n" +
			"Manga: " + t.Title + "\n" +
			"Task ID: " + t.ID + "\n" +
			"Generated: " + time.Now().UTC().Format(time.RFC3339) + "\n" +
			fmt.Sprintf("Total Batches: %d\n", len(bodies)) +
			rule + "\n\n" + strings.Join(bodies, "\n\n") + "\n"
		if err := w.Files.WriteFile(t.ID, storyName, []byte(story)); err != nil {
			return partial(err)
		}
		artifacts = append(artifacts, storyName)
	}
	return partial(nil)
}

// narrate sends the pages in chunks and joins the replies. The first chunk
// uses the full narration prompt, later ones ask the model to continue.
func (w *Transcriber) narrate(ctx context.Context, run *orchestrator.Run, title string, pgs []pageFile) (string, error) {
	if len(pgs) == 0 {
		return "Không có hình ảnh để xử lý.", nil
	}
	per := max(w.ImagesPerRequest, 1)
	chunks := chunk(pgs, per)
	parts := make([]string, 0, len(chunks))
	for c, pc := range chunks {
		if run.Cancelled() {
			return "", task.ErrCancelled
		}
		images, err := loadImages(pc)
		if err != nil {
			return "", err
		}
		info := fmt.Sprintf("Phần %d/%d - Hình ảnh %d đến %d", c+1, len(chunks), c*per+1, c*per+len(pc))
		prompt := fmt.Sprintf(continuationPrompt, title, info)
		if c == 0 {
			prompt = fmt.Sprintf(narrationPrompt, title, info)
		}
		msgs := []provider.Message{
			{Role: provider.RoleSystem, Content: systemPrompt},
			{Role: provider.RoleUser, Content: prompt, Images: images},
		}

		var resp *provider.Response
		err = retry(ctx, w.Retries, w.Backoff, func() error {
			var err error
			resp, err = w.Provider.Chat(ctx, msgs)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("part %d/%d: %w", c+1, len(chunks), err)
		}
		parts = append(parts, fmt.Sprintf("=== PHẦN %d/%d ===\n\n%s", c+1, len(chunks), strings.TrimSpace(resp.Content)))
	}
	return strings.Join(parts, "\n\n"), nil
}

// loadImages reads one chunk of pages. The first page of each chapter in the
// chunk carries a chapter header caption.
func loadImages(pgs []pageFile) ([]provider.Image, error) {
	images := make([]provider.Image, 0, len(pgs))
	current := -1.0
	for i, p := range pgs {
		data, err := os.ReadFile(p.path)
		if err != nil {
			return nil, fmt.Errorf("read page: %w", err)
		}
		img := provider.Image{MIMEType: mimeType(filepath.Ext(p.path)), Data: data}
		if i == 0 || p.chapter != current {
			current = p.chapter
			img.Caption = "\n--- CHƯƠNG " + strconv.FormatFloat(p.chapter, 'f', -1, 64) + " ---\n"
		}
		images = append(images, img)
	}
	return images, nil
}

// scriptBody strips the metadata header from a stored batch script.
func scriptBody(content string) string {
	parts := strings.SplitN(content, rule+"\n", 4)
	if len(parts) < 4 {
		return strings.TrimSpace(content)
	}
	return strings.TrimSpace(parts[3])
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
