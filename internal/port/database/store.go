// Package database defines the persistence port for conversion jobs.
package database

import (
	"context"

	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/domain/plan"
)

// Store is the port interface for durable job state. The job manager is the
// only writer; the scheduler reads plan state and reports results through the
// manager, never through this interface directly.
type Store interface {
	CreateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)

	// ListJobs returns all jobs, newest first.
	ListJobs(ctx context.Context) ([]job.Job, error)
	// ListJobsByProject returns a project's jobs, newest first.
	ListJobsByProject(ctx context.Context, projectID string) ([]job.Job, error)
	// ListJobsByStatus is used at startup to find jobs left running by a
	// previous process.
	ListJobsByStatus(ctx context.Context, status job.Status) ([]job.Job, error)

	// UpdateJobStatus transitions the job and records the error message (empty
	// to clear). Started/completed timestamps are maintained by the store.
	UpdateJobStatus(ctx context.Context, id string, status job.Status, errMsg string) error
	UpdateJobProgress(ctx context.Context, id string, progress int, activity string) error

	UpdateTaskStatus(ctx context.Context, jobID, taskID string, status plan.TaskStatus) error
	// ResetTasks returns non-completed tasks to pending (job retry after failure).
	ResetTasks(ctx context.Context, jobID string) error
	AppendTaskResult(ctx context.Context, jobID string, res job.TaskResult) error

	DeleteJob(ctx context.Context, id string) error
}
