package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	"github.com/luanle13/ancaptruyenlamvideo/cancellation"
	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/orchestrator"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// fakeSource answers Evaluate from canned JSON keyed by page URL.
type fakeSource struct {
	mu     sync.Mutex
	pages  map[string]string
	errs   map[string]error
	visits map[string]int
}

func newFakeSource(pages map[string]string) *fakeSource {
	return &fakeSource{pages: pages, errs: map[string]error{}, visits: map[string]int{}}
}

func (s *fakeSource) Evaluate(ctx context.Context, pageURL, script string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visits[pageURL]++
	if err := s.errs[pageURL]; err != nil {
		return "", err
	}
	body, ok := s.pages[pageURL]
	if !ok {
		return "", fmt.Errorf("no page %s", pageURL)
	}
	return body, nil
}

// recorder collects the progress reports of one run.
type recorder struct {
	mu      sync.Mutex
	reports []orchestrator.Progress
}

func (r *recorder) report(p orchestrator.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, p)
}

func (r *recorder) count(typ comms.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.reports {
		if p.Type == typ {
			n++
		}
	}
	return n
}

func newFiles(t *testing.T) *artifact.Store {
	t.Helper()
	dir := t.TempDir()
	files, err := artifact.NewStore(filepath.Join(dir, "content"), filepath.Join(dir, "workspace"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return files
}

func newRun(tk *task.Task) (*orchestrator.Run, *recorder, *cancellation.Signal) {
	rec := &recorder{}
	sig := cancellation.NewSignal()
	return orchestrator.NewRun(tk, sig, rec.report), rec, sig
}

// writePages creates n fake page images for chapter index i.
func writePages(t *testing.T, files *artifact.Store, taskID string, i, n int) {
	t.Helper()
	dir, err := files.WorkDir(taskID, chapterDir(i))
	if err != nil {
		t.Fatalf("WorkDir: %v", err)
	}
	for j := range n {
		if err := os.WriteFile(filepath.Join(dir, pageName(j, ".jpg")), []byte("img"), 0o644); err != nil {
			t.Fatalf("write page: %v", err)
		}
	}
}

func TestImageExt(t *testing.T) {
	cases := map[string]string{
		"https://cdn.example/a/001.PNG":         ".png",
		"https://cdn.example/a/002.webp?x=1":    ".webp",
		"https://cdn.example/a/003.gif":         ".gif",
		"https://cdn.example/a/004.jpeg":        ".jpg",
		"https://cdn.example/a/005":             ".jpg",
		"https://cdn.example/a/006.php?f=x.png": ".jpg",
	}
	for in, want := range cases {
		if got := imageExt(in); got != want {
			t.Errorf("imageExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := sanitizeFilename(`One Piece: "Wano" <Arc>?`); got != "One_Piece_Wano_Arc" {
		t.Errorf("got %q", got)
	}
	if got := sanitizeFilename("///"); got != "video" {
		t.Errorf("empty name = %q, want video", got)
	}
	if got := sanitizeFilename(strings.Repeat("ă", 150)); len([]rune(got)) != 100 {
		t.Errorf("length = %d, want 100", len([]rune(got)))
	}
}

func TestChunk(t *testing.T) {
	got := chunk([]int{1, 2, 3, 4, 5}, 2)
	if len(got) != 3 || len(got[2]) != 1 || got[2][0] != 5 {
		t.Errorf("chunk = %v", got)
	}
	if got := chunk([]int{}, 3); got != nil {
		t.Errorf("chunk(empty) = %v", got)
	}
}

func TestRetry(t *testing.T) {
	calls := 0
	err := retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 2 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}
