package service

import (
	"context"
	"sync"
	"time"

	"github.com/restackd/restack/internal/config"
	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/domain/plan"
	"github.com/restackd/restack/internal/workerpool"
)

// jobControl is the cooperative control handle for one running dispatch loop.
// Pausing stops new dispatches; cancellation tears the loop down. wake pokes
// the loop out of its idle select when control state changes.
type jobControl struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	paused bool

	wake chan struct{}
}

func newJobControl(parent context.Context) *jobControl {
	ctx, cancel := context.WithCancel(parent)
	return &jobControl{ctx: ctx, cancel: cancel, wake: make(chan struct{}, 1)}
}

func (c *jobControl) setPaused(v bool) {
	c.mu.Lock()
	c.paused = v
	c.mu.Unlock()
	c.poke()
}

func (c *jobControl) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *jobControl) stop() {
	c.cancel()
	c.poke()
}

func (c *jobControl) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Scheduler runs one job's dispatch loop: it walks the plan DAG, dispatches
// ready tasks up to the concurrency bound, retries transient failures with
// exponential backoff, and skips the dependents of permanently failed tasks.
// All durable state changes go through the manager.
type Scheduler struct {
	mgr  *Manager
	exec *Executor
	cfg  config.Scheduler
}

func newScheduler(mgr *Manager, exec *Executor, cfg config.Scheduler) *Scheduler {
	return &Scheduler{mgr: mgr, exec: exec, cfg: cfg}
}

// Run executes j's plan until every task is terminal, the job is paused with
// nothing left in flight and then cancelled, or ctl is cancelled. It owns the
// tasks snapshot exclusively; the single loop goroutine is the only writer.
func (s *Scheduler) Run(j *job.Job, ctl *jobControl) {
	tasks := make([]plan.Task, len(j.Plan.Tasks))
	copy(tasks, j.Plan.Tasks)

	acc := accumulatedContext(j)

	// Buffered so a worker finishing after cancellation never blocks forever.
	results := make(chan job.TaskResult, len(tasks))
	retryReady := make(chan string, len(tasks))

	attempts := make(map[string]int, len(tasks))
	waiting := make(map[string]bool)
	inflight := 0
	pool := workerpool.New(s.cfg.MaxConcurrent)

	for {
		if ctl.ctx.Err() != nil {
			return
		}

		if !ctl.isPaused() {
			for _, id := range plan.ReadyTasks(tasks) {
				if inflight >= s.cfg.MaxConcurrent {
					break
				}
				if waiting[id] {
					continue
				}
				t := *taskByID(tasks, id)
				setStatus(tasks, id, plan.TaskStatusRunning)
				attempts[id]++
				att := attempts[id]
				s.mgr.taskDispatched(ctl.ctx, j, tasks, t, att)

				inflight++
				snapshot := cloneContext(acc)
				go func() {
					_ = pool.Run(ctl.ctx, func() error {
						res := s.exec.Execute(ctl.ctx, &j.Plan, t, snapshot)
						res.Attempts = att
						results <- res
						return nil
					})
				}()
			}
		}

		if inflight == 0 && len(waiting) == 0 && plan.AllTerminal(tasks) {
			s.mgr.finishJob(ctl.ctx, j, tasks)
			return
		}

		select {
		case res := <-results:
			inflight--
			if ctl.ctx.Err() != nil {
				return
			}
			s.handleResult(j, tasks, res, attempts, waiting, retryReady, ctl, acc)
		case id := <-retryReady:
			delete(waiting, id)
		case <-ctl.wake:
		case <-ctl.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) handleResult(j *job.Job, tasks []plan.Task, res job.TaskResult,
	attempts map[string]int, waiting map[string]bool, retryReady chan<- string,
	ctl *jobControl, acc map[string]string) {

	switch res.Status {
	case plan.TaskStatusCompleted:
		setStatus(tasks, res.TaskID, plan.TaskStatusCompleted)
		foldResult(acc, res)
		s.mgr.taskCompleted(ctl.ctx, j, tasks, res)

	case plan.TaskStatusFailed:
		if res.FailureClass == job.FailureTransient && attempts[res.TaskID] <= s.cfg.MaxRetries {
			setStatus(tasks, res.TaskID, plan.TaskStatusPending)
			waiting[res.TaskID] = true
			delay := backoffDelay(s.cfg.RetryBase, s.cfg.RetryMax, attempts[res.TaskID])
			s.mgr.taskRetrying(ctl.ctx, j, res, delay)
			go func(id string) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
					retryReady <- id
				case <-ctl.ctx.Done():
				}
			}(res.TaskID)
			return
		}

		setStatus(tasks, res.TaskID, plan.TaskStatusFailed)
		s.mgr.taskFailed(ctl.ctx, j, tasks, res)

		var skipped []string
		for _, dep := range plan.TransitiveDependents(tasks, res.TaskID) {
			t := taskByID(tasks, dep)
			if t == nil || t.Status.IsTerminal() {
				continue
			}
			setStatus(tasks, dep, plan.TaskStatusSkipped)
			skipped = append(skipped, dep)
		}
		if len(skipped) > 0 {
			s.mgr.tasksSkipped(ctl.ctx, j, tasks, res.TaskID, skipped)
		}
	}
}

// backoffDelay returns base doubled per prior attempt, capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	d := base << uint(shift)
	if max > 0 && (d > max || d <= 0) {
		d = max
	}
	return d
}

// accumulatedContext rebuilds the shared conversion context from results
// already recorded on the job, so a resumed or retried job's pending tasks
// still see their dependencies' output.
func accumulatedContext(j *job.Job) map[string]string {
	acc := make(map[string]string)
	for i := range j.Results {
		if j.Results[i].Status != plan.TaskStatusCompleted {
			continue
		}
		foldResult(acc, j.Results[i])
	}
	return acc
}

// foldResult merges one completed task's output into the accumulated context.
func foldResult(acc map[string]string, res job.TaskResult) {
	for _, f := range res.Files {
		if f.Type == job.ChangeDelete {
			delete(acc, "file:"+f.Path)
			continue
		}
		acc["file:"+f.Path] = f.After
	}
	acc["task:"+res.TaskID] = string(plan.TaskStatusCompleted)
}

func cloneContext(acc map[string]string) map[string]string {
	out := make(map[string]string, len(acc))
	for k, v := range acc {
		out[k] = v
	}
	return out
}

func taskByID(tasks []plan.Task, id string) *plan.Task {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}

func setStatus(tasks []plan.Task, id string, status plan.TaskStatus) {
	if t := taskByID(tasks, id); t != nil {
		t.Status = status
	}
}
