package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	source_url          TEXT NOT NULL,
	title               TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	phase               TEXT NOT NULL,
	chapters_discovered INTEGER NOT NULL DEFAULT 0,
	chapters_processed  INTEGER NOT NULL DEFAULT 0,
	images_expected     INTEGER NOT NULL DEFAULT 0,
	images_downloaded   INTEGER NOT NULL DEFAULT 0,
	batches_expected    INTEGER NOT NULL DEFAULT 0,
	batches_processed   INTEGER NOT NULL DEFAULT 0,
	chapters            TEXT NOT NULL DEFAULT '[]',
	artifacts           TEXT NOT NULL DEFAULT '[]',
	error               TEXT NOT NULL DEFAULT '',
	version             INTEGER NOT NULL DEFAULT 1,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL,
	completed_at        DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

const columns = `id, source_url, title, status, phase,
	chapters_discovered, chapters_processed, images_expected, images_downloaded,
	batches_expected, batches_processed, chapters, artifacts, error, version,
	created_at, updated_at, completed_at`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task and sets its Version, CreatedAt, and UpdatedAt.
// An empty ID is replaced with a fresh UUID.
func (s *SQLiteStore) Create(t *Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1
	if t.Phase == "" {
		t.Phase = PhasePending
	}
	t.Status = t.Phase.Status()
	if t.Artifacts == nil {
		t.Artifacts = []string{}
	}

	chapters, artifacts, err := encodeLists(t)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(`
		INSERT INTO tasks (`+columns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.SourceURL, t.Title, string(t.Status), string(t.Phase),
		t.ChaptersDiscovered, t.ChaptersProcessed, t.ImagesExpected, t.ImagesDownloaded,
		t.BatchesExpected, t.BatchesProcessed,
		chapters, artifacts, t.Error, t.Version,
		t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+columns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// Update saves t if its Version still matches the stored record, then bumps
// Version and UpdatedAt. A stale version yields ErrConcurrencyViolation.
func (s *SQLiteStore) Update(t *Task) error {
	chapters, artifacts, err := encodeLists(t)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE tasks SET
			title=?, status=?, phase=?,
			chapters_discovered=?, chapters_processed=?, images_expected=?, images_downloaded=?,
			batches_expected=?, batches_processed=?,
			chapters=?, artifacts=?, error=?, version=version+1,
			updated_at=?, completed_at=?
		WHERE id=? AND version=?`,
		t.Title, string(t.Status), string(t.Phase),
		t.ChaptersDiscovered, t.ChaptersProcessed, t.ImagesExpected, t.ImagesDownloaded,
		t.BatchesExpected, t.BatchesProcessed,
		chapters, artifacts, t.Error,
		now, nullTime(t.CompletedAt),
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var n int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE id=?`, t.ID).Scan(&n); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
		}
		return fmt.Errorf("task %s version %d is stale: %w", t.ID, t.Version, ErrConcurrencyViolation)
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

// List returns tasks matching the filter, newest first.
func (s *SQLiteStore) List(filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + columns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.Active {
		q.WriteString(" AND status NOT IN (?,?,?)")
		args = append(args, string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	}
	q.WriteString(" ORDER BY created_at DESC, id")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.Query(q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func encodeLists(t *Task) (string, string, error) {
	chapters, err := json.Marshal(t.Chapters)
	if err != nil {
		return "", "", fmt.Errorf("encode chapters: %w", err)
	}
	artifacts, err := json.Marshal(t.Artifacts)
	if err != nil {
		return "", "", fmt.Errorf("encode artifacts: %w", err)
	}
	return string(chapters), string(artifacts), nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, phase, chaptersJSON, artifactsJSON string
	var completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.SourceURL, &t.Title, &status, &phase,
		&t.ChaptersDiscovered, &t.ChaptersProcessed, &t.ImagesExpected, &t.ImagesDownloaded,
		&t.BatchesExpected, &t.BatchesProcessed,
		&chaptersJSON, &artifactsJSON, &t.Error, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Phase = Phase(phase)
	if err := json.Unmarshal([]byte(chaptersJSON), &t.Chapters); err != nil {
		return nil, fmt.Errorf("decode chapters of %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(artifactsJSON), &t.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts of %s: %w", t.ID, err)
	}
	if t.Artifacts == nil {
		t.Artifacts = []string{}
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
