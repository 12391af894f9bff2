// Package job defines the ConversionJob domain entity: one plan bound to one
// project instance, plus the results produced while executing it.
package job

import (
	"time"

	"github.com/restackd/restack/internal/domain/plan"
)

// Status represents the lifecycle state of a conversion job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the job is in a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// transition. Starting a failed job again is allowed (retry).
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusPaused || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	case StatusPaused:
		// In-flight tasks finish cooperatively, so a paused job can still
		// reach a terminal state.
		return next == StatusRunning || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	case StatusFailed:
		return next == StatusRunning
	}
	return false
}

// FailureClass classifies a task failure for retry policy.
type FailureClass string

const (
	FailureTransient FailureClass = "transient" // retried with backoff
	FailurePermanent FailureClass = "permanent" // fails the task immediately
)

// ChangeType tags a produced file change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// FileChange is one file produced (or removed) by a conversion task.
type FileChange struct {
	Path   string     `json:"path"`
	Type   ChangeType `json:"type"`
	Before string     `json:"before,omitempty"`
	After  string     `json:"after,omitempty"`
}

// TaskResult is the outcome of one executed (or skipped) task.
type TaskResult struct {
	TaskID       string          `json:"task_id"`
	Status       plan.TaskStatus `json:"status"`
	Attempts     int             `json:"attempts"`
	Files        []FileChange    `json:"files,omitempty"`
	Confidence   float64         `json:"confidence,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
	Suggestions  []string        `json:"suggestions,omitempty"`
	FailureClass FailureClass    `json:"failure_class,omitempty"`
	Error        string          `json:"error,omitempty"`
	Duration     time.Duration   `json:"duration_ns,omitempty"`
}

// Job binds one conversion plan to one project instance at runtime.
// Progress is monotonically non-decreasing while the job is running.
type Job struct {
	ID              string       `json:"id"`
	ProjectID       string       `json:"project_id"`
	Plan            plan.Plan    `json:"plan"`
	Status          Status       `json:"status"`
	Progress        int          `json:"progress"` // 0-100
	CurrentActivity string       `json:"current_activity,omitempty"`
	Results         []TaskResult `json:"results,omitempty"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// Task returns the plan task with the given id, or nil.
func (j *Job) Task(id string) *plan.Task {
	for i := range j.Plan.Tasks {
		if j.Plan.Tasks[i].ID == id {
			return &j.Plan.Tasks[i]
		}
	}
	return nil
}

// Result returns the latest recorded result for the given task, or nil.
func (j *Job) Result(taskID string) *TaskResult {
	for i := len(j.Results) - 1; i >= 0; i-- {
		if j.Results[i].TaskID == taskID {
			return &j.Results[i]
		}
	}
	return nil
}
