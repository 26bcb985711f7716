package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/luanle13/ancaptruyenlamvideo/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(filepath.Join(dir, "content"), filepath.Join(dir, "work"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStore_WriteListRead(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteFile("t1", "scripts/batch_001.txt", []byte("hello")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.WriteFile("t1", "story.txt", []byte("all")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p, _ := s.Path("t1", "video/out.mp4.part")
	os.WriteFile(p, []byte("partial"), 0o644)

	names, err := s.List("t1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"scripts/batch_001.txt", "story.txt"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("List = %v, want %v", names, want)
	}

	data, err := s.ReadFile("t1", "scripts/batch_001.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("ReadFile = %q, want hello", data)
	}
}

func TestStore_ListEmpty(t *testing.T) {
	s := newTestStore(t)
	names, err := s.List("nothing-yet")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if names == nil || len(names) != 0 {
		t.Errorf("List = %v, want empty", names)
	}
}

func TestStore_RejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"../other/secret.txt", "/etc/passwd", "a/../../x", ""} {
		if _, _, err := s.Open("t1", name); !errors.Is(err, task.ErrInvalidInput) {
			t.Errorf("Open(%q) err = %v, want ErrInvalidInput", name, err)
		}
	}
	if _, err := s.WorkDir("../escape"); !errors.Is(err, task.ErrInvalidInput) {
		t.Errorf("WorkDir traversal err = %v, want ErrInvalidInput", err)
	}
}

func TestStore_OpenMissing(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.Open("t1", "missing.txt"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Open missing err = %v, want ErrNotFound", err)
	}
}

func TestStore_WorkDir(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.WorkDir("t1", "chapter_0001")
	if err != nil {
		t.Fatalf("WorkDir: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("WorkDir not created: %v", err)
	}
	ids, _ := s.Workspaces()
	if len(ids) != 1 || ids[0] != "t1" {
		t.Errorf("Workspaces = %v, want [t1]", ids)
	}
	if err := s.RemoveWorkspace("t1"); err != nil {
		t.Fatalf("RemoveWorkspace: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("workspace still exists")
	}
}
