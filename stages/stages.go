// Package stages implements the pipeline workers driven by the orchestrator:
// chapter discovery, image download, transcription, speech synthesis, video
// assembly and publishing.
package stages

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Artifact directories, relative to a task's artifact root.
const (
	scriptsDir = "scripts"
	audioDir   = "audio"
	videoDir   = "video"
	uploadDir  = "upload"
	storyName  = "scripts/story.txt"
)

func chapterDir(i int) string { return fmt.Sprintf("chapter_%04d", i+1) }

func pageName(i int, ext string) string { return fmt.Sprintf("page_%04d%s", i+1, ext) }

func batchName(i int) string { return fmt.Sprintf("batch_%03d", i+1) }

func scriptName(i int) string { return scriptsDir + "/" + batchName(i) + ".txt" }

func audioName(i int) string { return audioDir + "/" + batchName(i) + ".mp3" }

// imageExt picks the file extension for an image URL. Unknown types are
// stored as .jpg.
func imageExt(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".png", ".webp", ".gif":
		return ext
	default:
		return ".jpg"
	}
}

func mimeType(ext string) string {
	switch strings.ToLower(ext) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

// chunk splits items into consecutive groups of at most size elements.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		out = append(out, items[start:min(start+size, len(items))])
	}
	return out
}

// pages returns the downloaded image files of one chapter directory in
// page order. A missing directory yields no pages.
func pages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "page_") || strings.HasSuffix(name, ".part") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// sanitizeFilename strips characters that are unsafe in file names,
// replaces spaces and caps the length.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return -1
		case ' ':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if r := []rune(name); len(r) > 100 {
		name = string(r[:100])
	}
	if name == "" || name == "." || name == ".." {
		return "video"
	}
	return name
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
