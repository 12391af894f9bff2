package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restackd/restack/internal/adapter/otel"
	"github.com/restackd/restack/internal/config"
	"github.com/restackd/restack/internal/domain"
	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/domain/plan"
	"github.com/restackd/restack/internal/port/cache"
	"github.com/restackd/restack/internal/port/converter"
	"github.com/restackd/restack/internal/port/database"
	"github.com/restackd/restack/internal/port/messagequeue"
	"github.com/restackd/restack/internal/progress"
)

// Manager owns the job lifecycle. It is the only writer of durable job state;
// the scheduler reports through its callbacks, always under the per-job lock,
// so lifecycle operations and scheduler updates never interleave.
type Manager struct {
	store database.Store
	bus   *progress.Bus
	cfg   config.Scheduler

	queue    messagequeue.Queue
	cache    cache.Cache
	cacheTTL time.Duration
	metrics  *otel.Metrics

	exec  *Executor
	sched *Scheduler

	// origin identifies this process on the progress subject.
	origin string

	mu    sync.Mutex
	ctls  map[string]*jobControl
	locks map[string]*sync.Mutex
}

// NewManager creates a job manager. Queue, cache and metrics are optional and
// attached through setters.
func NewManager(store database.Store, conv converter.Converter, bus *progress.Bus, cfg config.Scheduler) *Manager {
	m := &Manager{
		store:  store,
		bus:    bus,
		cfg:    cfg,
		origin: uuid.NewString(),
		ctls:   make(map[string]*jobControl),
		locks:  make(map[string]*sync.Mutex),
	}
	m.exec = NewExecutor(conv, cfg.TaskTimeout)
	m.sched = newScheduler(m, m.exec, cfg)
	return m
}

// SetQueue attaches a message queue. With a queue, started jobs are handed to
// workers over jobs.dispatch instead of running in-process.
func (m *Manager) SetQueue(q messagequeue.Queue) { m.queue = q }

// SetCache attaches a read-through cache for job status lookups.
func (m *Manager) SetCache(c cache.Cache, ttl time.Duration) {
	m.cache = c
	m.cacheTTL = ttl
}

// SetMetrics attaches metric instruments.
func (m *Manager) SetMetrics(mt *otel.Metrics) { m.metrics = mt }

// jobLock returns the mutex serializing operations on one job. Distinct jobs
// never contend.
func (m *Manager) jobLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func (m *Manager) ctl(id string) *jobControl {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctls[id]
}

// CreateJob validates the plan and persists a new pending job bound to it.
// The plan's estimate is recomputed from its tasks and every task starts
// pending regardless of what the caller supplied.
func (m *Manager) CreateJob(ctx context.Context, projectID string, p plan.Plan) (*job.Job, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("plan rejected: %w", err)
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.Feasible = true
	p.EstimatedMinutes = plan.TotalEstimate(p.Tasks)
	for i := range p.Tasks {
		p.Tasks[i].Status = plan.TaskStatusPending
	}

	j := &job.Job{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Plan:      p,
		Status:    job.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	slog.Info("job created", "job_id", j.ID, "project_id", projectID,
		"tasks", len(p.Tasks), "source", p.SourceStack, "target", p.TargetStack)
	return j, nil
}

// StartJob moves a pending or failed job to running and hands its dispatch
// loop off. Restarting a failed job resets its non-completed tasks and clears
// the job error, so completed work is kept.
func (m *Manager) StartJob(ctx context.Context, id string) error {
	lock := m.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}

	switch j.Status {
	case job.StatusPending:
	case job.StatusFailed:
		if err := m.store.ResetTasks(ctx, id); err != nil {
			return fmt.Errorf("reset tasks: %w", err)
		}
	default:
		return &domain.TransitionError{Op: "start", Current: string(j.Status)}
	}

	if err := m.store.UpdateJobStatus(ctx, id, job.StatusRunning, ""); err != nil {
		return err
	}
	m.invalidate(ctx, id)
	m.publish(ctx, progress.Event{JobID: id, Status: job.StatusRunning,
		Progress: j.Progress, Activity: "starting"})

	m.dispatch(ctx, j, j.Status == job.StatusFailed)
	return nil
}

// PauseJob stops a running job from dispatching further tasks. In-flight
// tasks finish and are recorded unless hard pause is configured, which aborts
// them for re-execution on resume.
func (m *Manager) PauseJob(ctx context.Context, id string) error {
	lock := m.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != job.StatusRunning {
		return &domain.TransitionError{Op: "pause", Current: string(j.Status)}
	}

	if err := m.store.UpdateJobStatus(ctx, id, job.StatusPaused, ""); err != nil {
		return err
	}
	m.invalidate(ctx, id)
	m.publish(ctx, progress.Event{JobID: id, Status: job.StatusPaused,
		Progress: j.Progress, Activity: "paused"})

	m.control(ctx, id, messagequeue.ControlPause)
	slog.Info("job paused", "job_id", id)
	return nil
}

// ResumeJob moves a paused job back to running.
func (m *Manager) ResumeJob(ctx context.Context, id string) error {
	lock := m.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != job.StatusPaused {
		return &domain.TransitionError{Op: "resume", Current: string(j.Status)}
	}

	if err := m.store.UpdateJobStatus(ctx, id, job.StatusRunning, ""); err != nil {
		return err
	}
	m.invalidate(ctx, id)
	m.publish(ctx, progress.Event{JobID: id, Status: job.StatusRunning,
		Progress: j.Progress, Activity: "resuming"})

	if ctl := m.ctl(id); ctl != nil {
		ctl.setPaused(false)
		return nil
	}

	// The dispatch loop is not in this process. A soft-paused loop on another
	// worker resumes on the control message; a hard-paused loop exited and
	// needs a fresh dispatch.
	m.control(ctx, id, messagequeue.ControlResume)
	if m.cfg.HardPause {
		m.dispatch(ctx, j, true)
	}
	return nil
}

// CancelJob cancels a running or paused job. In-flight task results are
// discarded; the cancelled status and last progress value are kept.
func (m *Manager) CancelJob(ctx context.Context, id string) error {
	lock := m.jobLock(id)
	lock.Lock()
	defer lock.Unlock()
	return m.cancelLocked(ctx, id)
}

func (m *Manager) cancelLocked(ctx context.Context, id string) error {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status != job.StatusRunning && j.Status != job.StatusPaused {
		return &domain.TransitionError{Op: "cancel", Current: string(j.Status)}
	}

	if err := m.store.UpdateJobStatus(ctx, id, job.StatusCancelled, ""); err != nil {
		return err
	}
	m.invalidate(ctx, id)
	m.publish(ctx, progress.Event{JobID: id, Status: job.StatusCancelled,
		Progress: j.Progress, Activity: "cancelled"})

	m.control(ctx, id, messagequeue.ControlCancel)
	slog.Info("job cancelled", "job_id", id)
	return nil
}

// GetJobStatus returns the job with plan state and results, read through the
// status cache when one is attached.
func (m *Manager) GetJobStatus(ctx context.Context, id string) (*job.Job, error) {
	key := statusKey(id)
	if m.cache != nil {
		if data, ok, err := m.cache.Get(ctx, key); err == nil && ok {
			var j job.Job
			if json.Unmarshal(data, &j) == nil {
				return &j, nil
			}
		}
	}

	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		if data, err := json.Marshal(j); err == nil {
			_ = m.cache.Set(ctx, key, data, m.cacheTTL)
		}
	}
	return j, nil
}

// ListJobs returns all jobs, or a single project's jobs when projectID is
// non-empty, newest first.
func (m *Manager) ListJobs(ctx context.Context, projectID string) ([]job.Job, error) {
	if projectID == "" {
		return m.store.ListJobs(ctx)
	}
	return m.store.ListJobsByProject(ctx, projectID)
}

// Subscribe registers a listener for one job's progress events.
func (m *Manager) Subscribe(jobID string) (<-chan progress.Event, func()) {
	return m.bus.Subscribe(jobID)
}

// DeleteJob removes a job and all its results. A running or paused job is
// cancelled first.
func (m *Manager) DeleteJob(ctx context.Context, id string) error {
	lock := m.jobLock(id)
	lock.Lock()
	defer lock.Unlock()

	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == job.StatusRunning || j.Status == job.StatusPaused {
		if err := m.cancelLocked(ctx, id); err != nil {
			return err
		}
	}

	if err := m.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	m.invalidate(ctx, id)

	m.mu.Lock()
	delete(m.locks, id)
	m.mu.Unlock()

	slog.Info("job deleted", "job_id", id)
	return nil
}

// RecoverStale handles jobs left running by a previous process. With a queue,
// the durable dispatch consumer redelivers them to a worker; without one the
// loop is gone for good, so they are marked failed.
func (m *Manager) RecoverStale(ctx context.Context) error {
	stale, err := m.store.ListJobsByStatus(ctx, job.StatusRunning)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}

	for i := range stale {
		j := &stale[i]
		if m.queue != nil && m.queue.IsConnected() {
			slog.Info("re-dispatching interrupted job", "job_id", j.ID)
			m.dispatch(ctx, j, true)
			continue
		}
		slog.Warn("marking interrupted job failed", "job_id", j.ID)
		msg := "interrupted by process restart"
		if err := m.store.UpdateJobStatus(ctx, j.ID, job.StatusFailed, msg); err != nil {
			slog.Error("mark stale job failed", "job_id", j.ID, "error", err)
			continue
		}
		m.invalidate(ctx, j.ID)
		m.publish(ctx, progress.Event{JobID: j.ID, Status: job.StatusFailed,
			Progress: j.Progress, Error: msg})
	}
	return nil
}

// dispatch hands a running job's dispatch loop off: over the queue when one
// is connected, otherwise in-process.
func (m *Manager) dispatch(ctx context.Context, j *job.Job, resume bool) {
	if m.queue != nil && m.queue.IsConnected() {
		payload, err := json.Marshal(messagequeue.JobDispatchPayload{
			JobID:     j.ID,
			ProjectID: j.ProjectID,
			Resume:    resume,
		})
		if err == nil {
			if err = m.queue.Publish(ctx, messagequeue.SubjectJobDispatch, payload); err == nil {
				return
			}
		}
		slog.Error("queue dispatch failed, running in-process", "job_id", j.ID, "error", err)
	}

	go func() {
		if err := m.RunDispatch(context.Background(), j.ID); err != nil {
			slog.Error("dispatch loop failed", "job_id", j.ID, "error", err)
		}
	}()
}

// RunDispatch runs one job's dispatch loop to completion in this process. At
// most one loop per job runs here; a duplicate call is a no-op. Tasks left
// running by an interrupted loop are reset to pending first.
func (m *Manager) RunDispatch(ctx context.Context, jobID string) error {
	m.mu.Lock()
	if _, exists := m.ctls[jobID]; exists {
		m.mu.Unlock()
		return nil
	}
	ctl := newJobControl(ctx)
	m.ctls[jobID] = ctl
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.ctls, jobID)
		m.mu.Unlock()
		ctl.cancel()
	}()

	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	switch j.Status {
	case job.StatusRunning:
	case job.StatusPaused:
		ctl.setPaused(true)
	default:
		return nil
	}

	for i := range j.Plan.Tasks {
		t := &j.Plan.Tasks[i]
		if t.Status != plan.TaskStatusRunning {
			continue
		}
		t.Status = plan.TaskStatusPending
		if err := m.store.UpdateTaskStatus(ctx, jobID, t.ID, plan.TaskStatusPending); err != nil {
			return fmt.Errorf("reset task %s: %w", t.ID, err)
		}
	}

	slog.Info("dispatch loop started", "job_id", jobID, "tasks", len(j.Plan.Tasks))
	m.sched.Run(j, ctl)
	return nil
}

// control routes a pause/resume/cancel action to the dispatch loop, locally
// when this process owns it, otherwise over the control subject.
func (m *Manager) control(ctx context.Context, id, action string) {
	if ctl := m.ctl(id); ctl != nil {
		m.applyControl(ctl, action)
		return
	}
	if m.queue == nil || !m.queue.IsConnected() {
		return
	}
	payload, err := json.Marshal(messagequeue.JobControlPayload{JobID: id, Action: action})
	if err != nil {
		return
	}
	if err := m.queue.Publish(ctx, messagequeue.SubjectJobControl, payload); err != nil {
		slog.Error("control publish failed", "job_id", id, "action", action, "error", err)
	}
}

func (m *Manager) applyControl(ctl *jobControl, action string) {
	switch action {
	case messagequeue.ControlPause:
		if m.cfg.HardPause {
			ctl.stop()
		} else {
			ctl.setPaused(true)
		}
	case messagequeue.ControlResume:
		ctl.setPaused(false)
	case messagequeue.ControlCancel:
		ctl.stop()
	}
}

// Scheduler callbacks. All run on the scheduler's loop goroutine under the
// per-job lock.

func (m *Manager) taskDispatched(ctx context.Context, j *job.Job, tasks []plan.Task, t plan.Task, attempt int) {
	lock := m.jobLock(j.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.UpdateTaskStatus(ctx, j.ID, t.ID, plan.TaskStatusRunning); err != nil {
		slog.Error("record task running", "job_id", j.ID, "task_id", t.ID, "error", err)
	}
	activity := fmt.Sprintf("%s: %s", t.Kind, t.Description)
	prog := plan.Progress(tasks)
	if err := m.store.UpdateJobProgress(ctx, j.ID, prog, activity); err != nil {
		slog.Error("record activity", "job_id", j.ID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.TasksDispatched.Add(ctx, 1)
	}
	m.invalidate(ctx, j.ID)
	m.publish(ctx, progress.Event{JobID: j.ID, Status: job.StatusRunning,
		Progress: prog, Activity: activity, TaskID: t.ID, TaskStatus: plan.TaskStatusRunning})
	slog.Debug("task dispatched", "job_id", j.ID, "task_id", t.ID, "attempt", attempt)
}

func (m *Manager) taskCompleted(ctx context.Context, j *job.Job, tasks []plan.Task, res job.TaskResult) {
	lock := m.jobLock(j.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.AppendTaskResult(ctx, j.ID, res); err != nil {
		slog.Error("record task result", "job_id", j.ID, "task_id", res.TaskID, "error", err)
	}
	if err := m.store.UpdateTaskStatus(ctx, j.ID, res.TaskID, plan.TaskStatusCompleted); err != nil {
		slog.Error("record task completed", "job_id", j.ID, "task_id", res.TaskID, "error", err)
	}
	prog := plan.Progress(tasks)
	if err := m.store.UpdateJobProgress(ctx, j.ID, prog, "completed "+res.TaskID); err != nil {
		slog.Error("record progress", "job_id", j.ID, "error", err)
	}
	m.invalidate(ctx, j.ID)
	m.publish(ctx, progress.Event{JobID: j.ID, Status: job.StatusRunning,
		Progress: prog, TaskID: res.TaskID, TaskStatus: plan.TaskStatusCompleted})
	slog.Info("task completed", "job_id", j.ID, "task_id", res.TaskID,
		"attempts", res.Attempts, "files", len(res.Files), "confidence", res.Confidence)
}

func (m *Manager) taskRetrying(ctx context.Context, j *job.Job, res job.TaskResult, delay time.Duration) {
	if m.metrics != nil {
		m.metrics.TaskRetries.Add(ctx, 1)
	}
	slog.Warn("task retry scheduled", "job_id", j.ID, "task_id", res.TaskID,
		"attempt", res.Attempts, "delay", delay, "error", res.Error)
}

func (m *Manager) taskFailed(ctx context.Context, j *job.Job, tasks []plan.Task, res job.TaskResult) {
	lock := m.jobLock(j.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.store.AppendTaskResult(ctx, j.ID, res); err != nil {
		slog.Error("record task result", "job_id", j.ID, "task_id", res.TaskID, "error", err)
	}
	if err := m.store.UpdateTaskStatus(ctx, j.ID, res.TaskID, plan.TaskStatusFailed); err != nil {
		slog.Error("record task failed", "job_id", j.ID, "task_id", res.TaskID, "error", err)
	}
	prog := plan.Progress(tasks)
	if err := m.store.UpdateJobProgress(ctx, j.ID, prog, "task "+res.TaskID+" failed"); err != nil {
		slog.Error("record progress", "job_id", j.ID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.TasksFailed.Add(ctx, 1)
	}
	m.invalidate(ctx, j.ID)
	m.publish(ctx, progress.Event{JobID: j.ID, Status: job.StatusRunning,
		Progress: prog, TaskID: res.TaskID, TaskStatus: plan.TaskStatusFailed, Error: res.Error})
	slog.Error("task failed", "job_id", j.ID, "task_id", res.TaskID,
		"attempts", res.Attempts, "error", res.Error)
}

func (m *Manager) tasksSkipped(ctx context.Context, j *job.Job, tasks []plan.Task, failedID string, skipped []string) {
	lock := m.jobLock(j.ID)
	lock.Lock()
	defer lock.Unlock()

	for _, id := range skipped {
		if err := m.store.UpdateTaskStatus(ctx, j.ID, id, plan.TaskStatusSkipped); err != nil {
			slog.Error("record task skipped", "job_id", j.ID, "task_id", id, "error", err)
		}
		res := job.TaskResult{
			TaskID: id,
			Status: plan.TaskStatusSkipped,
			Error:  "dependency " + failedID + " failed",
		}
		if err := m.store.AppendTaskResult(ctx, j.ID, res); err != nil {
			slog.Error("record skip result", "job_id", j.ID, "task_id", id, "error", err)
		}
		m.publish(ctx, progress.Event{JobID: j.ID, Status: job.StatusRunning,
			Progress: plan.Progress(tasks), TaskID: id, TaskStatus: plan.TaskStatusSkipped})
	}
	if m.metrics != nil {
		m.metrics.TasksSkipped.Add(ctx, int64(len(skipped)))
	}
	prog := plan.Progress(tasks)
	if err := m.store.UpdateJobProgress(ctx, j.ID, prog, ""); err != nil {
		slog.Error("record progress", "job_id", j.ID, "error", err)
	}
	m.invalidate(ctx, j.ID)
	slog.Warn("tasks skipped", "job_id", j.ID, "failed_task", failedID, "skipped", skipped)
}

// finishJob finalizes a job whose tasks are all terminal. The store status is
// re-read under the lock so a concurrent cancellation wins.
func (m *Manager) finishJob(ctx context.Context, j *job.Job, tasks []plan.Task) {
	lock := m.jobLock(j.ID)
	lock.Lock()
	defer lock.Unlock()

	cur, err := m.store.GetJob(ctx, j.ID)
	if err != nil {
		slog.Error("finalize job", "job_id", j.ID, "error", err)
		return
	}
	if cur.Status != job.StatusRunning && cur.Status != job.StatusPaused {
		return
	}

	final := job.StatusCompleted
	errMsg := ""
	if plan.AnyFailed(tasks) {
		final = job.StatusFailed
		errMsg = firstFailure(cur.Results)
	}

	prog := plan.Progress(tasks)
	if err := m.store.UpdateJobProgress(ctx, j.ID, prog, ""); err != nil {
		slog.Error("record final progress", "job_id", j.ID, "error", err)
	}
	if err := m.store.UpdateJobStatus(ctx, j.ID, final, errMsg); err != nil {
		slog.Error("record final status", "job_id", j.ID, "error", err)
		return
	}

	if m.metrics != nil {
		if final == job.StatusCompleted {
			m.metrics.JobsCompleted.Add(ctx, 1)
		} else {
			m.metrics.JobsFailed.Add(ctx, 1)
		}
		if cur.StartedAt != nil {
			m.metrics.JobDuration.Record(ctx, time.Since(*cur.StartedAt).Seconds())
		}
	}
	m.invalidate(ctx, j.ID)
	m.publish(ctx, progress.Event{JobID: j.ID, Status: final, Progress: prog, Error: errMsg})
	slog.Info("job finished", "job_id", j.ID, "status", final, "progress", prog)
}

// firstFailure builds the job-level error message from the earliest recorded
// permanent task failure.
func firstFailure(results []job.TaskResult) string {
	for i := range results {
		if results[i].Status == plan.TaskStatusFailed {
			return fmt.Sprintf("task %s failed: %s", results[i].TaskID, results[i].Error)
		}
	}
	return "one or more tasks failed"
}

// publish delivers an event to local listeners and, when a queue is attached,
// fans it out to other processes on the progress subject.
func (m *Manager) publish(ctx context.Context, ev progress.Event) {
	m.bus.Publish(ctx, ev)

	if m.queue == nil || !m.queue.IsConnected() {
		return
	}
	payload, err := json.Marshal(messagequeue.JobProgressPayload{
		Origin:     m.origin,
		JobID:      ev.JobID,
		Status:     string(ev.Status),
		Progress:   ev.Progress,
		Activity:   ev.Activity,
		TaskID:     ev.TaskID,
		TaskStatus: string(ev.TaskStatus),
		Error:      ev.Error,
	})
	if err != nil {
		return
	}
	if err := m.queue.Publish(ctx, messagequeue.SubjectJobProgress, payload); err != nil {
		slog.Debug("progress fan-out failed", "job_id", ev.JobID, "error", err)
	}
}

func (m *Manager) invalidate(ctx context.Context, id string) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Delete(ctx, statusKey(id)); err != nil {
		slog.Debug("cache invalidate failed", "job_id", id, "error", err)
	}
}

func statusKey(id string) string { return "job:" + id }
