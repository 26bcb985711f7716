package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	"github.com/luanle13/ancaptruyenlamvideo/server/api"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// --- Test doubles ---

// fakeTasks serves tasks from a MemStore. Tasks listed in running are
// cancellable; any other non-terminal task is owned by another process.
type fakeTasks struct {
	store   *task.MemStore
	running map[string]bool
	fail    error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{store: task.NewMemStore(), running: map[string]bool{}}
}

func (f *fakeTasks) CreateTask(sourceURL string) (*task.Task, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	if sourceURL == "" {
		return nil, fmt.Errorf("source url required: %w", task.ErrInvalidInput)
	}
	t := &task.Task{SourceURL: sourceURL}
	if _, err := f.store.Create(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (f *fakeTasks) Get(id string) (*task.Task, error) { return f.store.Get(id) }

func (f *fakeTasks) List(filter task.Filter) ([]*task.Task, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.store.List(filter)
}

func (f *fakeTasks) Cancel(id string) (*task.Task, error) {
	t, err := f.store.Get(id)
	if err != nil || t.Status.Terminal() {
		return t, err
	}
	if !f.running[id] {
		return nil, fmt.Errorf("task %s is not running here: %w", id, task.ErrConcurrencyViolation)
	}
	return t, nil
}

func (f *fakeTasks) finish(t *testing.T, id string, phase task.Phase) {
	t.Helper()
	tk, err := f.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	tk.Phase = phase
	tk.Status = phase.Status()
	if err := f.store.Update(tk); err != nil {
		t.Fatal(err)
	}
}

// --- Helpers ---

func newTestHandlers(t *testing.T) (*api.Handlers, *fakeTasks, *http.ServeMux) {
	t.Helper()
	dir := t.TempDir()
	files, err := artifact.NewStore(filepath.Join(dir, "artifacts"), filepath.Join(dir, "work"))
	if err != nil {
		t.Fatal(err)
	}
	tasks := newFakeTasks()
	h := &api.Handlers{
		Tasks:   tasks,
		Files:   files,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version: "test",
		StartAt: time.Now(),
	}
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, tasks, mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v (body %q)", err, rr.Body.String())
	}
	return v
}

// --- Task tests ---

func TestCreateTask(t *testing.T) {
	_, _, mux := newTestHandlers(t)

	rr := doRequest(t, mux, http.MethodPost, "/api/tasks", api.CreateRequest{SourceURL: "https://truyenqq.example/truyen/1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	got := decode[task.Task](t, rr)
	if got.ID == "" || got.Status != task.StatusPending || got.SourceURL != "https://truyenqq.example/truyen/1" {
		t.Errorf("task = %+v", got)
	}
}

func TestCreateTask_Invalid(t *testing.T) {
	_, _, mux := newTestHandlers(t)

	if rr := doRequest(t, mux, http.MethodPost, "/api/tasks", api.CreateRequest{}); rr.Code != http.StatusBadRequest {
		t.Errorf("empty url: expected 400, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad body: expected 400, got %d", rr.Code)
	}
}

func TestGetTask(t *testing.T) {
	_, tasks, mux := newTestHandlers(t)
	tk, _ := tasks.CreateTask("https://example.com/m")

	if rr := doRequest(t, mux, http.MethodGet, "/api/tasks/"+tk.ID, nil); rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	rr := doRequest(t, mux, http.MethodGet, "/api/tasks/nope", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestListTasks_Filters(t *testing.T) {
	_, tasks, mux := newTestHandlers(t)
	a, _ := tasks.CreateTask("https://example.com/a")
	tasks.CreateTask("https://example.com/b")
	tasks.finish(t, a.ID, task.PhaseCompleted)

	all := decode[[]task.Task](t, doRequest(t, mux, http.MethodGet, "/api/tasks", nil))
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}
	done := decode[[]task.Task](t, doRequest(t, mux, http.MethodGet, "/api/tasks?status=completed", nil))
	if len(done) != 1 || done[0].ID != a.ID {
		t.Errorf("completed = %+v", done)
	}
	active := decode[[]task.Task](t, doRequest(t, mux, http.MethodGet, "/api/tasks?active=true", nil))
	if len(active) != 1 || active[0].ID == a.ID {
		t.Errorf("active = %+v", active)
	}
	page := decode[[]task.Task](t, doRequest(t, mux, http.MethodGet, "/api/tasks?limit=1&offset=1", nil))
	if len(page) != 1 {
		t.Errorf("page = %d, want 1", len(page))
	}
}

func TestListTasks_EmptyIsArray(t *testing.T) {
	_, _, mux := newTestHandlers(t)
	rr := doRequest(t, mux, http.MethodGet, "/api/tasks", nil)
	if body := bytes.TrimSpace(rr.Body.Bytes()); string(body) != "[]" {
		t.Errorf("body = %s", body)
	}
}

func TestListTasks_InternalErrorHidden(t *testing.T) {
	_, tasks, mux := newTestHandlers(t)
	tasks.fail = fmt.Errorf("disk on fire")
	rr := doRequest(t, mux, http.MethodGet, "/api/tasks", nil)
	if rr.Code != http.StatusInternalServerError || bytes.Contains(rr.Body.Bytes(), []byte("disk")) {
		t.Errorf("got %d %s", rr.Code, rr.Body.String())
	}
}

func TestCancelTask(t *testing.T) {
	_, tasks, mux := newTestHandlers(t)
	running, _ := tasks.CreateTask("https://example.com/a")
	tasks.running[running.ID] = true
	orphan, _ := tasks.CreateTask("https://example.com/b")
	done, _ := tasks.CreateTask("https://example.com/c")
	tasks.finish(t, done.ID, task.PhaseFailed)

	cases := []struct {
		id   string
		want int
	}{
		{running.ID, http.StatusAccepted},
		{done.ID, http.StatusOK},
		{orphan.ID, http.StatusConflict},
		{"missing", http.StatusNotFound},
	}
	for _, tc := range cases {
		if rr := doRequest(t, mux, http.MethodPost, "/api/tasks/"+tc.id+"/cancel", nil); rr.Code != tc.want {
			t.Errorf("cancel %s: expected %d, got %d", tc.id, tc.want, rr.Code)
		}
	}
}

// --- Artifact tests ---

func TestArtifacts_ListAndDownload(t *testing.T) {
	h, tasks, mux := newTestHandlers(t)
	tk, _ := tasks.CreateTask("https://example.com/a")
	if err := h.Files.WriteFile(tk.ID, "scripts/story.txt", []byte("Ngày xửa ngày xưa")); err != nil {
		t.Fatal(err)
	}

	names := decode[[]string](t, doRequest(t, mux, http.MethodGet, "/api/tasks/"+tk.ID+"/artifacts", nil))
	if len(names) != 1 || names[0] != "scripts/story.txt" {
		t.Errorf("names = %v", names)
	}

	rr := doRequest(t, mux, http.MethodGet, "/api/tasks/"+tk.ID+"/artifacts/scripts/story.txt", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "Ngày xửa ngày xưa" {
		t.Errorf("download = %d %q", rr.Code, rr.Body.String())
	}
	if rr := doRequest(t, mux, http.MethodGet, "/api/tasks/"+tk.ID+"/artifacts/video/none.mp4", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing artifact: expected 404, got %d", rr.Code)
	}
}

func TestArtifacts_UnknownTask(t *testing.T) {
	_, _, mux := newTestHandlers(t)
	if rr := doRequest(t, mux, http.MethodGet, "/api/tasks/ghost/artifacts", nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

// --- Status / version ---

func TestVersionAndStatus(t *testing.T) {
	h, _, mux := newTestHandlers(t)

	v := decode[map[string]string](t, doRequest(t, mux, http.MethodGet, "/api/version", nil))
	if v["version"] != "test" {
		t.Errorf("version = %v", v)
	}

	rr := httptest.NewRecorder()
	h.StatusHandler()(rr, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	st := decode[map[string]any](t, rr)
	if st["status"] != "ok" {
		t.Errorf("status = %v", st)
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("x: %w", task.ErrInvalidInput):         http.StatusBadRequest,
		fmt.Errorf("x: %w", task.ErrNotFound):             http.StatusNotFound,
		fmt.Errorf("x: %w", task.ErrConcurrencyViolation): http.StatusConflict,
		io.ErrUnexpectedEOF:                               http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := api.StatusOf(err); got != want {
			t.Errorf("StatusOf(%v) = %d, want %d", err, got, want)
		}
	}
}
