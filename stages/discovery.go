package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/orchestrator"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

const unknownTitle = "Unknown Manga"

var (
	hrefNumber = regexp.MustCompile(`chap[^\d]*(\d+(?:\.\d+)?)`)
	textNumber = regexp.MustCompile(`(\d+(?:\.\d+)?)`)
)

// Discovery renders the series page and lists its chapters.
type Discovery struct {
	Source      PageSource
	BatchSize   int // chapters per transcription batch
	MaxChapters int // 0 keeps every chapter
	Retries     int
	Backoff     time.Duration
	Logger      *slog.Logger
}

// Phase implements orchestrator.Worker.
func (d *Discovery) Phase() task.Phase { return task.PhaseCrawlingChapters }

type seriesPage struct {
	Title string `json:"title"`
	Links []struct {
		Href string `json:"href"`
		Text string `json:"text"`
	} `json:"links"`
}

// Execute implements orchestrator.Worker.
func (d *Discovery) Execute(ctx context.Context, run *orchestrator.Run) orchestrator.Outcome {
	if run.Cancelled() {
		return orchestrator.Fail(task.ErrCancelled)
	}
	log := logger(d.Logger).With(slog.String("task_id", run.Task.ID))

	var raw string
	err := retry(ctx, d.Retries, d.Backoff, func() error {
		var err error
		raw, err = d.Source.Evaluate(ctx, run.Task.SourceURL, seriesScript)
		return err
	})
	if err != nil {
		if run.Cancelled() {
			return orchestrator.Fail(task.ErrCancelled)
		}
		return orchestrator.Fail(fmt.Errorf("load series page: %w", err))
	}
	var page seriesPage
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return orchestrator.Fail(fmt.Errorf("decode series page: %w", err))
	}

	title := strings.TrimSpace(page.Title)
	if title == "" {
		title = unknownTitle
	}
	links := make([]link, len(page.Links))
	for i, l := range page.Links {
		links[i] = link{href: l.Href, text: l.Text}
	}
	chapters := parseChapters(run.Task.SourceURL, links)
	if d.MaxChapters > 0 && len(chapters) > d.MaxChapters {
		log.Info("limiting chapters", slog.Int("found", len(chapters)), slog.Int("limit", d.MaxChapters))
		chapters = chapters[:d.MaxChapters]
	}

	counters := task.Counters{
		ChaptersDiscovered: len(chapters),
		BatchesExpected:    batches(len(chapters), d.BatchSize),
	}
	log.Info("chapters found", slog.String("title", title), slog.Int("chapters", len(chapters)))
	run.Report(orchestrator.Progress{
		Type:     comms.EventChaptersFound,
		Message:  fmt.Sprintf("Found %d chapters", len(chapters)),
		Counters: counters,
		Data:     map[string]any{"title": title, "total_chapters": len(chapters)},
	})
	return orchestrator.Outcome{Title: title, Chapters: chapters, Counters: counters}
}

type link struct{ href, text string }

// parseChapters resolves, numbers, de-duplicates and sorts chapter links.
func parseChapters(base string, links []link) []task.Chapter {
	baseURL, _ := url.Parse(base)
	seen := make(map[string]struct{}, len(links))
	chapters := make([]task.Chapter, 0, len(links))
	for i, l := range links {
		href := strings.TrimSpace(l.href)
		if href == "" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "#") {
			continue
		}
		if baseURL != nil {
			if ref, err := url.Parse(href); err == nil {
				href = baseURL.ResolveReference(ref).String()
			}
		}
		if _, ok := seen[href]; ok {
			continue
		}
		seen[href] = struct{}{}

		num := float64(i + 1)
		if m := hrefNumber.FindStringSubmatch(strings.ToLower(href)); m != nil {
			num, _ = strconv.ParseFloat(m[1], 64)
		} else if m := textNumber.FindStringSubmatch(l.text); m != nil {
			num, _ = strconv.ParseFloat(m[1], 64)
		}
		title := strings.Join(strings.Fields(l.text), " ")
		if title == "" {
			title = "Chapter " + strconv.FormatFloat(num, 'f', -1, 64)
		}
		chapters = append(chapters, task.Chapter{Number: num, Title: title, URL: href})
	}
	sort.SliceStable(chapters, func(i, j int) bool { return chapters[i].Number < chapters[j].Number })
	return chapters
}

func batches(n, size int) int {
	if size <= 0 {
		size = 1
	}
	return (n + size - 1) / size
}

// retry runs fn up to attempts times, waiting backoff, 2*backoff, ...
// between failures.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	attempts = max(attempts, 1)
	var err error
	for i := range attempts {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if serr := sleep(ctx, backoff*time.Duration(i+1)); serr != nil {
			return err
		}
	}
	return err
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
