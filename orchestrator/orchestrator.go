// Package orchestrator drives ingest tasks through the pipeline phases,
// persisting every transition and publishing it on the event bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luanle13/ancaptruyenlamvideo/cancellation"
	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/task"
)

// Config wires an Orchestrator.
type Config struct {
	Store    task.Store
	Bus      comms.Bus
	Registry *cancellation.Registry
	Workers  []Worker

	// SourcePatterns are regular expressions a source URL must match. An
	// empty list accepts any absolute http(s) URL.
	SourcePatterns []string

	// ResumeInterrupted makes Recover restart orphaned tasks instead of
	// failing them.
	ResumeInterrupted bool

	Metrics *Metrics
	Logger  *slog.Logger
}

// Orchestrator owns the task state machine. It runs one goroutine per
// in-flight task and executes that task's phases strictly in order.
type Orchestrator struct {
	store    task.Store
	bus      comms.Bus
	registry *cancellation.Registry
	workers  map[task.Phase]Worker
	plan     []task.Phase
	patterns []*regexp.Regexp
	resume   bool
	metrics  *Metrics
	logger   *slog.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

var phaseMessages = map[task.Phase]string{
	task.PhaseCrawlingChapters:  "Fetching chapter list",
	task.PhaseDownloadingImages: "Downloading chapter images",
	task.PhaseProcessingAI:      "Transcribing chapters with AI",
	task.PhaseSynthesizingAudio: "Synthesizing narration",
	task.PhaseAssemblingVideo:   "Assembling video",
	task.PhaseUploading:         "Publishing results",
}

// New validates cfg and returns an Orchestrator. Every required phase must
// have exactly one worker.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Bus == nil || cfg.Registry == nil {
		return nil, errors.New("orchestrator: store, bus and registry are required")
	}
	workers := make(map[task.Phase]Worker, len(cfg.Workers))
	for _, w := range cfg.Workers {
		p := w.Phase()
		if !slices.Contains(task.Pipeline, p) {
			return nil, fmt.Errorf("orchestrator: %s is not a pipeline phase", p)
		}
		if _, dup := workers[p]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate worker for %s", p)
		}
		workers[p] = w
	}
	var plan []task.Phase
	for _, p := range task.Pipeline {
		if _, ok := workers[p]; ok {
			plan = append(plan, p)
		} else if p.Required() {
			return nil, fmt.Errorf("orchestrator: no worker for required phase %s", p)
		}
	}
	patterns := make([]*regexp.Regexp, 0, len(cfg.SourcePatterns))
	for _, expr := range cfg.SourcePatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: source pattern %q: %w", expr, err)
		}
		patterns = append(patterns, re)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    cfg.Store,
		bus:      cfg.Bus,
		registry: cfg.Registry,
		workers:  workers,
		plan:     plan,
		patterns: patterns,
		resume:   cfg.ResumeInterrupted,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		ctx:      ctx,
		stop:     stop,
	}, nil
}

// Plan returns the phases this orchestrator executes, in order.
func (o *Orchestrator) Plan() []task.Phase { return slices.Clone(o.plan) }

// CreateTask validates sourceURL, persists a pending task, and starts its
// execution in the background. The returned snapshot is pending.
func (o *Orchestrator) CreateTask(sourceURL string) (*task.Task, error) {
	src, err := o.validateSource(sourceURL)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	sig, err := o.registry.Register(id)
	if err != nil {
		return nil, err
	}
	t := &task.Task{ID: id, SourceURL: src, Phase: task.PhasePending}
	if _, err := o.store.Create(t); err != nil {
		o.registry.Release(id)
		return nil, fmt.Errorf("create task: %w", err)
	}
	o.metrics.created.Inc()
	o.logger.Info("task created", slog.String("task_id", id), slog.String("source_url", src))

	snap := t.Clone()
	o.start(&record{t: t}, sig)
	return snap, nil
}

// Get returns the current snapshot of a task.
func (o *Orchestrator) Get(id string) (*task.Task, error) { return o.store.Get(id) }

// List returns task snapshots matching filter.
func (o *Orchestrator) List(filter task.Filter) ([]*task.Task, error) { return o.store.List(filter) }

// Cancel requests cooperative cancellation of a task and returns its current
// snapshot. Cancelling a terminal task is a no-op. A non-terminal task that
// is not running in this process yields task.ErrConcurrencyViolation.
func (o *Orchestrator) Cancel(id string) (*task.Task, error) {
	t, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	if o.registry.Request(id) {
		o.logger.Info("cancellation requested", slog.String("task_id", id))
		return t, nil
	}
	// The run may have finished between the read and the request.
	t, err = o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}
	return nil, fmt.Errorf("task %s is not running in this process: %w", id, task.ErrConcurrencyViolation)
}

// Recover handles tasks left non-terminal by a previous process. They are
// failed, or resumed from their current phase when resume is enabled. It
// returns the number of tasks handled.
func (o *Orchestrator) Recover() (int, error) {
	orphans, err := o.store.List(task.Filter{Active: true})
	if err != nil {
		return 0, fmt.Errorf("list interrupted tasks: %w", err)
	}
	n := 0
	for _, t := range orphans {
		if o.registry.Registered(t.ID) {
			continue
		}
		log := o.logger.With(slog.String("task_id", t.ID), slog.String("phase", string(t.Phase)))
		if o.resume {
			sig, err := o.registry.Register(t.ID)
			if err != nil {
				continue
			}
			log.Info("resuming interrupted task")
			o.start(&record{t: t, progress: t.Progress()}, sig)
			n++
			continue
		}
		phase := t.Phase
		if err := t.Transition(task.PhaseFailed); err != nil {
			log.Warn("cannot fail interrupted task", slog.Any("err", err))
			continue
		}
		t.Error = fmt.Sprintf("interrupted by restart during %s", phase)
		now := time.Now().UTC()
		t.CompletedAt = &now
		if err := o.store.Update(t); err != nil {
			log.Warn("fail interrupted task", slog.Any("err", err))
			continue
		}
		o.metrics.finished.WithLabelValues(string(task.StatusFailed)).Inc()
		log.Info("marked interrupted task as failed")
		n++
	}
	return n, nil
}

// Shutdown stops all running tasks without terminating them, so Recover can
// pick them up on the next start, and waits for their goroutines.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every running task has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) validateSource(raw string) (string, error) {
	src := strings.TrimSpace(raw)
	if src == "" {
		return "", fmt.Errorf("source url is required: %w", task.ErrInvalidInput)
	}
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("source url %q is not an absolute http(s) url: %w", src, task.ErrInvalidInput)
	}
	if len(o.patterns) == 0 {
		return src, nil
	}
	for _, re := range o.patterns {
		if re.MatchString(src) {
			return src, nil
		}
	}
	return "", fmt.Errorf("source url %q is not from a supported site: %w", src, task.ErrInvalidInput)
}

// record is the orchestrator's working copy of one task. mu serializes the
// run loop with concurrent worker reports.
type record struct {
	mu       sync.Mutex
	t        *task.Task
	progress int
}

func (o *Orchestrator) start(rec *record, sig *cancellation.Signal) {
	o.wg.Add(1)
	o.metrics.running.Inc()
	go func() {
		defer o.wg.Done()
		defer o.metrics.running.Dec()
		defer o.registry.Release(rec.t.ID)
		o.run(rec, sig)
	}()
}

func (o *Orchestrator) run(rec *record, sig *cancellation.Signal) {
	log := o.logger.With(slog.String("task_id", rec.t.ID))

	rec.mu.Lock()
	if rec.t.Phase == task.PhasePending {
		o.publishLocked(rec, comms.EventTaskStarted, "Task started", rec.t.Clone())
	}
	from := rec.t.Phase
	rec.mu.Unlock()

	for _, phase := range o.remaining(from) {
		if sig.Requested() {
			o.finish(rec, task.PhaseCancelled, "", log)
			return
		}
		if o.ctx.Err() != nil {
			log.Warn("shutting down; task left for recovery", slog.String("phase", string(phase)))
			return
		}
		if err := o.enter(rec, phase); err != nil {
			log.Error("enter phase", slog.String("phase", string(phase)), slog.Any("err", err))
			if errors.Is(err, task.ErrConcurrencyViolation) || errors.Is(err, task.ErrNotFound) {
				return
			}
			o.finish(rec, task.PhaseFailed, err.Error(), log)
			return
		}

		out := o.execute(o.workers[phase], rec, sig, log)
		o.absorb(rec, out)

		switch {
		case sig.Requested():
			o.finish(rec, task.PhaseCancelled, "", log)
			return
		case out.Err != nil && o.ctx.Err() != nil:
			rec.mu.Lock()
			if err := o.persistLocked(rec); err != nil {
				log.Warn("persist partial results", slog.Any("err", err))
			}
			rec.mu.Unlock()
			log.Warn("shutting down; task left for recovery", slog.String("phase", string(phase)))
			return
		case out.Err != nil:
			stageErr := &task.StageError{Phase: phase, Err: out.Err}
			o.finish(rec, task.PhaseFailed, stageErr.Error(), log)
			return
		}
	}
	if sig.Requested() {
		o.finish(rec, task.PhaseCancelled, "", log)
		return
	}
	o.finish(rec, task.PhaseCompleted, "", log)
}

// remaining returns the planned phases from cur onwards.
func (o *Orchestrator) remaining(cur task.Phase) []task.Phase {
	if cur == task.PhasePending {
		return o.plan
	}
	idx := slices.Index(task.Pipeline, cur)
	if idx < 0 {
		return nil
	}
	for i, p := range o.plan {
		if slices.Index(task.Pipeline, p) >= idx {
			return o.plan[i:]
		}
	}
	return nil
}

func (o *Orchestrator) enter(rec *record, phase task.Phase) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.t.Phase != phase {
		if err := rec.t.Transition(phase); err != nil {
			return err
		}
	}
	if err := o.persistLocked(rec); err != nil {
		return err
	}
	o.publishLocked(rec, comms.EventProgressUpdate, phaseMessages[phase], rec.t.Clone())
	return nil
}

func (o *Orchestrator) execute(w Worker, rec *record, sig *cancellation.Signal, log *slog.Logger) (out Outcome) {
	rec.mu.Lock()
	snap := rec.t.Clone()
	rec.mu.Unlock()

	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()
	stop := context.AfterFunc(sig.Context(), cancel)
	defer stop()

	phase := w.Phase()
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", slog.String("phase", string(phase)), slog.Any("panic", r))
			out = Outcome{Err: fmt.Errorf("worker panic: %v", r)}
		}
		result := "success"
		switch {
		case sig.Requested():
			result = "cancelled"
		case out.Err != nil:
			result = "failure"
		}
		o.metrics.stages.WithLabelValues(string(phase), result).Observe(time.Since(started).Seconds())
	}()

	run := &Run{
		Task:   snap,
		Signal: sig,
		report: func(p Progress) { o.report(rec, p, log) },
	}
	return w.Execute(ctx, run)
}

func (o *Orchestrator) absorb(rec *record, out Outcome) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if out.Title != "" {
		rec.t.Title = out.Title
	}
	if out.Chapters != nil {
		rec.t.Chapters = out.Chapters
	}
	rec.t.Counters.Merge(out.Counters)
	rec.t.AddArtifacts(out.Artifacts...)
}

func (o *Orchestrator) report(rec *record, p Progress, log *slog.Logger) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.t.Phase.Terminal() {
		return
	}
	before := rec.t.Counters
	artifacts := len(rec.t.Artifacts)
	rec.t.Counters.Merge(p.Counters)
	rec.t.AddArtifacts(p.Artifacts...)
	if rec.t.Counters != before || len(rec.t.Artifacts) != artifacts {
		if err := o.persistLocked(rec); err != nil {
			log.Warn("persist progress", slog.Any("err", err))
		}
	}
	typ := p.Type
	if typ == "" || typ.Terminal() || typ == comms.EventKeepalive {
		typ = comms.EventProgressUpdate
	}
	o.publishLocked(rec, typ, p.Message, p.Data)
}

func (o *Orchestrator) finish(rec *record, phase task.Phase, detail string, log *slog.Logger) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if err := rec.t.Transition(phase); err != nil {
		log.Error("finish task", slog.Any("err", err))
		return
	}
	if phase == task.PhaseFailed {
		rec.t.Error = detail
	}
	if rec.t.CompletedAt == nil {
		now := time.Now().UTC()
		rec.t.CompletedAt = &now
	}
	o.registry.Release(rec.t.ID)
	o.metrics.finished.WithLabelValues(string(rec.t.Status)).Inc()

	// Streams must close even when the store is failing. The stored record
	// stays non-terminal and is picked up by Recover on the next start.
	if err := o.persistLocked(rec); err != nil {
		log.Error("persist terminal status", slog.String("phase", string(phase)), slog.Any("err", err))
		if phase == task.PhaseCompleted {
			rec.progress = 100
		}
		o.publishLocked(rec, terminalEvent(phase), terminalMessage(phase, detail)+" (status not persisted)", rec.t.Clone())
		return
	}

	snap, err := o.store.Get(rec.t.ID)
	if err != nil {
		snap = rec.t.Clone()
	}
	if phase == task.PhaseCompleted {
		rec.progress = 100
	}
	o.publishLocked(rec, terminalEvent(phase), terminalMessage(phase, detail), snap)
	switch phase {
	case task.PhaseCompleted:
		log.Info("task completed", slog.Int("artifacts", len(snap.Artifacts)))
	case task.PhaseCancelled:
		log.Info("task cancelled")
	default:
		log.Warn("task failed", slog.String("error", detail))
	}
}

func terminalEvent(phase task.Phase) comms.EventType {
	if phase == task.PhaseCompleted {
		return comms.EventTaskCompleted
	}
	return comms.EventTaskFailed
}

func terminalMessage(phase task.Phase, detail string) string {
	switch phase {
	case task.PhaseCompleted:
		return "Task completed"
	case task.PhaseCancelled:
		return "Task cancelled by user"
	default:
		return "Task failed: " + detail
	}
}

func (o *Orchestrator) persistLocked(rec *record) error {
	return o.store.Update(rec.t)
}

func (o *Orchestrator) publishLocked(rec *record, typ comms.EventType, msg string, payload any) {
	rec.progress = max(rec.progress, rec.t.Progress())
	o.bus.Publish(comms.Event{
		TaskID:    rec.t.ID,
		Type:      typ,
		Message:   msg,
		Progress:  rec.progress,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
