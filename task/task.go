// Package task defines the ingest task model, its phase machine and persistence.
package task

import "time"

// Status is the externally reported lifecycle state of a task.
type Status string

const (
	StatusPending           Status = "pending"
	StatusCrawlingChapters  Status = "crawling_chapters"
	StatusDownloadingImages Status = "downloading_images"
	StatusProcessingAI      Status = "processing_ai"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Counters are the monotonic progress metrics of a task. Workers report
// partial values and the orchestrator merges them with Merge.
type Counters struct {
	ChaptersDiscovered int `json:"chapters_discovered"`
	ChaptersProcessed  int `json:"chapters_processed"`
	ImagesExpected     int `json:"images_expected"`
	ImagesDownloaded   int `json:"images_downloaded"`
	BatchesExpected    int `json:"batches_expected"`
	BatchesProcessed   int `json:"batches_processed"`
}

// Merge folds o into c. Counters never decrease.
func (c *Counters) Merge(o Counters) {
	c.ChaptersDiscovered = max(c.ChaptersDiscovered, o.ChaptersDiscovered)
	c.ChaptersProcessed = max(c.ChaptersProcessed, o.ChaptersProcessed)
	c.ImagesExpected = max(c.ImagesExpected, o.ImagesExpected)
	c.ImagesDownloaded = max(c.ImagesDownloaded, o.ImagesDownloaded)
	c.BatchesExpected = max(c.BatchesExpected, o.BatchesExpected)
	c.BatchesProcessed = max(c.BatchesProcessed, o.BatchesProcessed)
}

// Progress returns the overall completion percentage in [0, 100]. Crawling
// and AI processing each account for half.
func (c Counters) Progress() int {
	crawl := 50 * float64(min(c.ChaptersProcessed, max(c.ChaptersDiscovered, 1))) / float64(max(c.ChaptersDiscovered, 1))
	ai := 50 * float64(min(c.BatchesProcessed, max(c.BatchesExpected, 1))) / float64(max(c.BatchesExpected, 1))
	p := int(crawl + ai)
	return min(max(p, 0), 100)
}

// Chapter is one discovered chapter of the source series.
type Chapter struct {
	Number float64 `json:"number"`
	Title  string  `json:"title"`
	URL    string  `json:"url"`
	Images int     `json:"images,omitempty"`
}

// Task is one end-to-end run of the ingest pipeline for a source URL.
type Task struct {
	ID        string `json:"id"`
	SourceURL string `json:"source_url"`
	Title     string `json:"title,omitempty"`
	Status    Status `json:"status"`
	Phase     Phase  `json:"phase"`
	Counters
	Chapters    []Chapter  `json:"chapters,omitempty"`
	Artifacts   []string   `json:"artifacts"`
	Error       string     `json:"error,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Chapters = append([]Chapter(nil), t.Chapters...)
	cp.Artifacts = append([]string{}, t.Artifacts...)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

// AddArtifacts appends names not already recorded, preserving order.
func (t *Task) AddArtifacts(names ...string) {
	seen := make(map[string]struct{}, len(t.Artifacts))
	for _, a := range t.Artifacts {
		seen[a] = struct{}{}
	}
	for _, n := range names {
		if _, ok := seen[n]; ok || n == "" {
			continue
		}
		seen[n] = struct{}{}
		t.Artifacts = append(t.Artifacts, n)
	}
}

// Store persists and retrieves tasks. Implementations must reject an Update
// whose Version does not match the stored record with ErrConcurrencyViolation.
type Store interface {
	// Create persists a new task and returns its assigned ID.
	Create(t *Task) (string, error)

	// Get retrieves a task by ID.
	Get(id string) (*Task, error)

	// Update saves changes to an existing task and bumps its Version.
	Update(t *Task) error

	// List returns tasks matching the given filter, newest first.
	List(filter Filter) ([]*Task, error)
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status *Status `json:"status,omitempty"`
	Active bool    `json:"active,omitempty"` // only non-terminal tasks
	Limit  int     `json:"limit,omitempty"`
	Offset int     `json:"offset,omitempty"`
}
