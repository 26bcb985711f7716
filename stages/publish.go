package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	"github.com/luanle13/ancaptruyenlamvideo/orchestrator"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// Sink publishes a finished task somewhere outside the service. A nil
// receipt means nothing was published.
type Sink interface {
	Name() string
	Publish(ctx context.Context, t *task.Task, files *artifact.Store) (receipt any, err error)
}

// Publish runs every configured sink in order and stores their receipts
// as upload/<sink>.json.
type Publish struct {
	Sinks  []Sink
	Files  *artifact.Store
	Logger *slog.Logger
}

// Phase implements orchestrator.Worker.
func (w *Publish) Phase() task.Phase { return task.PhaseUploading }

// Execute implements orchestrator.Worker.
func (w *Publish) Execute(ctx context.Context, run *orchestrator.Run) orchestrator.Outcome {
	log := logger(w.Logger).With(slog.String("task_id", run.Task.ID))
	var artifacts []string
	for _, s := range w.Sinks {
		if run.Cancelled() {
			return orchestrator.Outcome{Artifacts: artifacts, Err: task.ErrCancelled}
		}
		receipt, err := s.Publish(ctx, run.Task, w.Files)
		if err != nil {
			if run.Cancelled() {
				return orchestrator.Outcome{Artifacts: artifacts, Err: task.ErrCancelled}
			}
			return orchestrator.Outcome{Artifacts: artifacts, Err: fmt.Errorf("publish to %s: %w", s.Name(), err)}
		}
		if receipt == nil {
			log.Info("nothing to publish", slog.String("sink", s.Name()))
			continue
		}
		data, err := json.MarshalIndent(receipt, "", "  ")
		if err != nil {
			return orchestrator.Outcome{Artifacts: artifacts, Err: fmt.Errorf("encode %s receipt: %w", s.Name(), err)}
		}
		name := uploadDir + "/" + s.Name() + ".json"
		if err := w.Files.WriteFile(run.Task.ID, name, data); err != nil {
			return orchestrator.Outcome{Artifacts: artifacts, Err: err}
		}
		artifacts = append(artifacts, name)
		log.Info("published", slog.String("sink", s.Name()))
		run.Report(orchestrator.Progress{
			Message:   "Published to " + s.Name(),
			Artifacts: []string{name},
			Data:      receipt,
		})
	}
	return orchestrator.Outcome{Artifacts: artifacts}
}

// videoArtifact returns the first video of t, if any.
func videoArtifact(t *task.Task) string {
	for _, a := range t.Artifacts {
		if strings.HasPrefix(a, videoDir+"/") {
			return a
		}
	}
	return ""
}

// YouTube uploads the task video with a stored OAuth token.
type YouTube struct {
	ClientSecrets string // OAuth client JSON
	TokenFile     string // JSON-encoded oauth2.Token
	Privacy       string
	CategoryID    string
}

// Name implements Sink.
func (y *YouTube) Name() string { return "youtube" }

func (y *YouTube) service(ctx context.Context) (*youtube.Service, error) {
	secrets, err := os.ReadFile(y.ClientSecrets)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	conf, err := google.ConfigFromJSON(secrets, youtube.YoutubeUploadScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	raw, err := os.ReadFile(y.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return youtube.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx, &tok)))
}

// Publish implements Sink.
func (y *YouTube) Publish(ctx context.Context, t *task.Task, files *artifact.Store) (any, error) {
	name := videoArtifact(t)
	if name == "" {
		return nil, nil
	}
	f, _, err := files.Open(t.ID, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	svc, err := y.service(ctx)
	if err != nil {
		return nil, err
	}
	title := t.Title
	if r := []rune(title); len(r) > 100 {
		title = string(r[:97]) + "..."
	}
	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       title,
			Description: fmt.Sprintf("%s\n\nNguồn: %s", t.Title, t.SourceURL),
			CategoryId:  y.CategoryID,
		},
		Status: &youtube.VideoStatus{PrivacyStatus: y.Privacy},
	}
	uploaded, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("upload video: %w", err)
	}
	return map[string]string{
		"video_id": uploaded.Id,
		"url":      "https://www.youtube.com/watch?v=" + uploaded.Id,
		"privacy":  y.Privacy,
		"video":    name,
	}, nil
}

// Telegram sends a completion notice through the Bot API.
type Telegram struct {
	Client   *retryablehttp.Client
	APIBase  string
	BotToken string
	ChatID   string
}

// Name implements Sink.
func (tg *Telegram) Name() string { return "telegram" }

// Publish implements Sink.
func (tg *Telegram) Publish(ctx context.Context, t *task.Task, _ *artifact.Store) (any, error) {
	var msg strings.Builder
	fmt.Fprintf(&msg, "✅ Hoàn thành!\n\nTruyện: %s\nTask ID: %s\n", t.Title, t.ID)
	fmt.Fprintf(&msg, "Chương: %d, hình ảnh: %d\n", t.ChaptersDiscovered, t.ImagesDownloaded)
	if v := videoArtifact(t); v != "" {
		fmt.Fprintf(&msg, "Video: %s\n", v)
	}

	body, err := json.Marshal(map[string]string{"chat_id": tg.ChatID, "text": msg.String()})
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimSuffix(tg.APIBase, "/") + "/bot" + tg.BotToken + "/sendMessage"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := tg.Client.Do(req)
	if err != nil {
		// The URL embeds the bot token.
		return nil, errors.New("send message: " + strings.ReplaceAll(err.Error(), tg.BotToken, "***"))
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s", result.Description)
	}
	return map[string]any{"chat_id": tg.ChatID, "message_id": result.Result.MessageID}, nil
}
