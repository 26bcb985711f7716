// Package artifact stores the files a task produces and the scratch
// workspace its stages share.
package artifact

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// Store lays out files as <root>/<taskID>/<name> for artifacts and
// <workspace>/<taskID>/... for intermediates.
type Store struct {
	root      string
	workspace string
}

// NewStore creates both trees if needed.
func NewStore(root, workspace string) (*Store, error) {
	for _, dir := range []string{root, workspace} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid artifacts dir: %w", err)
	}
	absWork, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace dir: %w", err)
	}
	return &Store{root: absRoot, workspace: absWork}, nil
}

// validatePath resolves rel under base and rejects traversal.
func validatePath(base, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("invalid artifact name %q: %w", rel, task.ErrInvalidInput)
	}
	abs := filepath.Join(base, filepath.Clean(rel))
	if !strings.HasPrefix(abs, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal not allowed: %s: %w", rel, task.ErrInvalidInput)
	}
	return abs, nil
}

func (s *Store) taskDir(base, taskID string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return "", fmt.Errorf("invalid task id %q: %w", taskID, task.ErrInvalidInput)
	}
	return filepath.Join(base, taskID), nil
}

// Path returns the absolute path of artifact name for taskID and creates
// its parent directory.
func (s *Store) Path(taskID, name string) (string, error) {
	dir, err := s.taskDir(s.root, taskID)
	if err != nil {
		return "", err
	}
	p, err := validatePath(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	return p, nil
}

// WorkDir returns (and creates) the scratch directory for taskID, joined
// with the optional sub-path elements.
func (s *Store) WorkDir(taskID string, elem ...string) (string, error) {
	dir, err := s.taskDir(s.workspace, taskID)
	if err != nil {
		return "", err
	}
	if len(elem) > 0 {
		if dir, err = validatePath(dir, filepath.Join(elem...)); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// WriteFile atomically writes an artifact through a temporary file.
func (s *Store) WriteFile(taskID, name string, data []byte) error {
	p, err := s.Path(taskID, name)
	if err != nil {
		return err
	}
	return WriteAtomic(p, data)
}

// WriteAtomic writes data to path via path.part and a rename.
func WriteAtomic(path string, data []byte) error {
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ReadFile returns the contents of an artifact.
func (s *Store) ReadFile(taskID, name string) ([]byte, error) {
	f, _, err := s.Open(taskID, name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// List returns the artifact names of taskID in lexical order. Temporary
// files are skipped. A task without artifacts yields an empty list.
func (s *Store) List(taskID string) ([]string, error) {
	dir, err := s.taskDir(s.root, taskID)
	if err != nil {
		return nil, err
	}
	names := []string{}
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".part") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts of %s: %w", taskID, err)
	}
	sort.Strings(names)
	return names, nil
}

// Open opens an artifact for reading. Unknown names yield task.ErrNotFound.
func (s *Store) Open(taskID, name string) (*os.File, fs.FileInfo, error) {
	dir, err := s.taskDir(s.root, taskID)
	if err != nil {
		return nil, nil, err
	}
	p, err := validatePath(dir, filepath.FromSlash(name))
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("artifact %s of %s: %w", name, taskID, task.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, fmt.Errorf("artifact %s of %s: %w", name, taskID, task.ErrNotFound)
	}
	return f, info, nil
}

// RemoveWorkspace deletes the scratch directory of taskID.
func (s *Store) RemoveWorkspace(taskID string) error {
	dir, err := s.taskDir(s.workspace, taskID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Workspaces returns the task ids that currently own a scratch directory.
func (s *Store) Workspaces() ([]string, error) {
	entries, err := os.ReadDir(s.workspace)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Dirs returns the absolute artifact and workspace roots.
func (s *Store) Dirs() []string { return []string{s.root, s.workspace} }
