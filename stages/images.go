package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/orchestrator"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// maxImageBytes caps a single downloaded image.
const maxImageBytes = 32 << 20

// NewHTTPClient returns a retrying client for image and notification
// requests.
func NewHTTPClient(retries int, timeout time.Duration, logger *slog.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	if logger != nil {
		rc.Logger = logger
	}
	return rc
}

// Images lists the pages of every chapter and downloads them into the task
// workspace as <chapter_NNNN>/page_NNNN.<ext>.
type Images struct {
	Source      PageSource
	Files       *artifact.Store
	Client      *retryablehttp.Client
	Limiter     *rate.Limiter // paces image requests; nil means unlimited
	Concurrency int
	Retries     int           // page listing attempts
	Backoff     time.Duration // between page listing attempts
	Delay       time.Duration // between chapter page loads
	UserAgent   string
	Logger      *slog.Logger
}

// Phase implements orchestrator.Worker.
func (w *Images) Phase() task.Phase { return task.PhaseDownloadingImages }

// Execute implements orchestrator.Worker.
func (w *Images) Execute(ctx context.Context, run *orchestrator.Run) orchestrator.Outcome {
	log := logger(w.Logger).With(slog.String("task_id", run.Task.ID))
	chapters := slices.Clone(run.Task.Chapters)
	counters := task.Counters{}
	var mu sync.Mutex

	partial := func(err error) orchestrator.Outcome {
		mu.Lock()
		defer mu.Unlock()
		return orchestrator.Outcome{Chapters: chapters, Counters: counters, Err: err}
	}

	for i, ch := range chapters {
		if run.Cancelled() {
			return partial(task.ErrCancelled)
		}
		if i > 0 {
			if err := sleep(ctx, w.Delay); err != nil {
				return partial(task.ErrCancelled)
			}
		}
		dir, err := w.Files.WorkDir(run.Task.ID, chapterDir(i))
		if err != nil {
			return partial(err)
		}

		var srcs []string
		err = retry(ctx, w.Retries, w.Backoff, func() error {
			var err error
			srcs, err = w.listImages(ctx, ch.URL)
			return err
		})
		if run.Cancelled() {
			return partial(task.ErrCancelled)
		}
		if err != nil {
			log.Warn("list chapter images", slog.String("chapter", ch.URL), slog.Any("err", err))
		}

		mu.Lock()
		counters.ImagesExpected += len(srcs)
		mu.Unlock()

		downloaded := 0
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(w.Concurrency, 1))
		for j, src := range srcs {
			g.Go(func() error {
				if run.Cancelled() {
					return nil
				}
				if w.Limiter != nil {
					if err := w.Limiter.Wait(gctx); err != nil {
						return nil
					}
				}
				dest := filepath.Join(dir, pageName(j, imageExt(src)))
				if err := w.download(gctx, src, ch.URL, dest); err != nil {
					log.Warn("download image", slog.String("url", src), slog.Any("err", err))
					return nil
				}
				mu.Lock()
				defer mu.Unlock()
				downloaded++
				counters.ImagesDownloaded++
				run.Report(orchestrator.Progress{
					Type:     comms.EventImageDownloaded,
					Message:  fmt.Sprintf("Downloaded image %d of chapter %s", j+1, chapterLabel(ch)),
					Counters: counters,
				})
				return nil
			})
		}
		_ = g.Wait()

		mu.Lock()
		chapters[i].Images = downloaded
		mu.Unlock()
		if run.Cancelled() {
			return partial(task.ErrCancelled)
		}

		mu.Lock()
		counters.ChaptersProcessed++
		snapshot := counters
		mu.Unlock()
		log.Debug("chapter crawled", slog.String("chapter", chapterLabel(ch)), slog.Int("images", downloaded))
		run.Report(orchestrator.Progress{
			Type:     comms.EventChapterCrawled,
			Message:  fmt.Sprintf("Crawled chapter %s (%d images)", chapterLabel(ch), downloaded),
			Counters: snapshot,
			Data:     map[string]any{"chapter_number": ch.Number, "images": downloaded},
		})
	}
	return partial(nil)
}

// listImages renders a chapter page and returns its absolute image URLs in
// page order.
func (w *Images) listImages(ctx context.Context, chapterURL string) ([]string, error) {
	raw, err := w.Source.Evaluate(ctx, chapterURL, chapterScript)
	if err != nil {
		return nil, err
	}
	var srcs []string
	if err := json.Unmarshal([]byte(raw), &srcs); err != nil {
		return nil, fmt.Errorf("decode chapter page: %w", err)
	}
	return resolveImages(chapterURL, srcs), nil
}

// resolveImages drops inline data URIs, resolves relative sources against
// the chapter URL and removes duplicates, keeping the first occurrence.
func resolveImages(base string, srcs []string) []string {
	baseURL, _ := url.Parse(base)
	seen := make(map[string]struct{}, len(srcs))
	out := make([]string, 0, len(srcs))
	for _, s := range srcs {
		s = strings.TrimSpace(s)
		if s == "" || strings.HasPrefix(s, "data:") {
			continue
		}
		if baseURL != nil {
			if ref, err := url.Parse(s); err == nil {
				s = baseURL.ResolveReference(ref).String()
			}
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// download fetches src into dest unless dest already exists.
func (w *Images) download(ctx context.Context, src, referer, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if w.UserAgent != "" {
		req.Header.Set("User-Agent", w.UserAgent)
	}
	req.Header.Set("Referer", referer)

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxImageBytes {
		return errors.New("image too large")
	}
	if len(data) == 0 {
		return errors.New("empty image")
	}
	return artifact.WriteAtomic(dest, data)
}

func chapterLabel(ch task.Chapter) string {
	if ch.Title != "" {
		return ch.Title
	}
	return fmt.Sprintf("%g", ch.Number)
}
