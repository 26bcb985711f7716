package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// TaskLookup is the subset of task.Store the janitor needs.
type TaskLookup interface {
	Get(id string) (*task.Task, error)
}

// Janitor removes the scratch workspace of tasks that finished more than
// Retention ago. Task records and artifacts are never touched.
type Janitor struct {
	files     *Store
	tasks     TaskLookup
	retention time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
}

// NewJanitor returns a Janitor. Call Start to schedule it.
func NewJanitor(files *Store, tasks TaskLookup, retention time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{files: files, tasks: tasks, retention: retention, logger: logger}
}

// Sweep removes eligible workspaces and returns how many it removed.
// Workspaces of unknown tasks are removed as well.
func (j *Janitor) Sweep(now time.Time) (int, error) {
	ids, err := j.files.Workspaces()
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-j.retention)
	cleaned := 0
	for _, id := range ids {
		t, err := j.tasks.Get(id)
		switch {
		case errors.Is(err, task.ErrNotFound):
		case err != nil:
			j.logger.Warn("janitor: lookup task", slog.String("task_id", id), slog.Any("err", err))
			continue
		case !t.Status.Terminal():
			continue
		case t.CompletedAt != nil && t.CompletedAt.After(cutoff):
			continue
		}
		if err := j.files.RemoveWorkspace(id); err != nil {
			j.logger.Warn("janitor: remove workspace", slog.String("task_id", id), slog.Any("err", err))
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		j.logger.Info("janitor: cleaned workspaces", slog.Int("count", cleaned))
	}
	return cleaned, nil
}

// Start schedules Sweep on the given cron expression (standard five fields or a
// descriptor such as "@hourly").
func (j *Janitor) Start(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := j.Sweep(time.Now().UTC()); err != nil {
			j.logger.Warn("janitor: sweep", slog.Any("err", err))
		}
	}); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep.
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	select {
	case <-j.cron.Stop().Done():
	case <-ctx.Done():
	}
}
