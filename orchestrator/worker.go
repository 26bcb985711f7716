package orchestrator

import (
	"context"

	"github.com/luanle13/ancaptruyenlamvideo/cancellation"
	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// Worker executes one pipeline phase for a task. Execute is invoked at most
// once per phase per task run and must observe run.Signal at every sub-unit
// boundary. On failure or cancellation it returns whatever partial results
// it produced.
type Worker interface {
	Phase() task.Phase
	Execute(ctx context.Context, run *Run) Outcome
}

// Outcome is the result of one Execute call. A nil Err means success.
type Outcome struct {
	Title     string
	Chapters  []task.Chapter
	Artifacts []string
	Counters  task.Counters
	Err       error
}

// Success reports whether the phase completed.
func (o Outcome) Success() bool { return o.Err == nil }

// Fail returns an outcome carrying err and no partial results.
func Fail(err error) Outcome { return Outcome{Err: err} }

// Progress is an intermediate report from a running worker.
type Progress struct {
	Type      comms.EventType // defaults to progress_update
	Message   string
	Counters  task.Counters // absolute values, merged monotonically
	Artifacts []string
	Data      any
}

// Run is the handle a worker receives for one phase of one task.
type Run struct {
	// Task is a snapshot taken when the phase started. Workers must not
	// mutate it.
	Task   *task.Task
	Signal *cancellation.Signal

	report func(Progress)
}

// NewRun builds a Run for driving a worker outside the orchestrator.
func NewRun(t *task.Task, sig *cancellation.Signal, report func(Progress)) *Run {
	if report == nil {
		report = func(Progress) {}
	}
	return &Run{Task: t, Signal: sig, report: report}
}

// Report publishes intermediate progress. It is safe for concurrent use.
func (r *Run) Report(p Progress) { r.report(p) }

// Cancelled reports whether the task's cancellation was requested.
func (r *Run) Cancelled() bool { return r.Signal.Requested() }
