package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/domain/plan"
)

// Store implements the database.Store port on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `id, project_id, plan, status, progress, current_activity, error,
	created_at, updated_at, started_at, completed_at`

func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	planJSON, err := json.Marshal(j.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	err = tx.QueryRow(ctx,
		`INSERT INTO jobs (id, project_id, plan, status, progress, current_activity, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`,
		j.ID, j.ProjectID, planJSON, string(j.Status), j.Progress, j.CurrentActivity, j.Error,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for i := range j.Plan.Tasks {
		t := &j.Plan.Tasks[i]
		status := t.Status
		if status == "" {
			status = plan.TaskStatusPending
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_tasks (job_id, task_id, status) VALUES ($1, $2, $3)`,
			j.ID, t.ID, string(status),
		); err != nil {
			return fmt.Errorf("insert job task %s: %w", t.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) GetJob(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	j, err := scanJob(row)
	if err != nil {
		return nil, notFoundWrap(err, "get job %s", id)
	}

	if err := s.overlayTaskStatuses(ctx, &j); err != nil {
		return nil, err
	}
	if j.Results, err = s.listTaskResults(ctx, j.ID); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) ListJobs(ctx context.Context) ([]job.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
}

func (s *Store) ListJobsByProject(ctx context.Context, projectID string) ([]job.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE project_id = $1 ORDER BY created_at DESC`,
		projectID)
}

func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at DESC`,
		string(status))
}

func (s *Store) listJobs(ctx context.Context, query string, args ...any) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range jobs {
		if err := s.overlayTaskStatuses(ctx, &jobs[i]); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, status job.Status, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			status = $2,
			error = $3,
			updated_at = now(),
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
			completed_at = CASE
				WHEN $2 IN ('completed', 'failed', 'cancelled') THEN now()
				ELSE NULL
			END
		 WHERE id = $1`,
		id, string(status), errMsg)
	return execExpectOne(tag, err, "update job status %s", id)
}

func (s *Store) UpdateJobProgress(ctx context.Context, id string, progress int, activity string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $2, current_activity = $3, updated_at = now() WHERE id = $1`,
		id, progress, activity)
	return execExpectOne(tag, err, "update job progress %s", id)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, jobID, taskID string, status plan.TaskStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_tasks SET status = $3, updated_at = now() WHERE job_id = $1 AND task_id = $2`,
		jobID, taskID, string(status))
	return execExpectOne(tag, err, "update task status %s/%s", jobID, taskID)
}

func (s *Store) ResetTasks(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_tasks SET status = 'pending', updated_at = now()
		 WHERE job_id = $1 AND status <> 'completed'`, jobID)
	if err != nil {
		return fmt.Errorf("reset tasks %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) AppendTaskResult(ctx context.Context, jobID string, res job.TaskResult) error {
	filesJSON, err := json.Marshal(orEmpty(res.Files))
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	warningsJSON, err := json.Marshal(orEmpty(res.Warnings))
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	suggestionsJSON, err := json.Marshal(orEmpty(res.Suggestions))
	if err != nil {
		return fmt.Errorf("marshal suggestions: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO task_results
			(job_id, task_id, status, attempts, confidence, files, warnings, suggestions, failure_class, error, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		jobID, res.TaskID, string(res.Status), res.Attempts, res.Confidence,
		filesJSON, warningsJSON, suggestionsJSON,
		string(res.FailureClass), res.Error, res.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("append task result %s/%s: %w", jobID, res.TaskID, err)
	}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete job %s", id)
}

// overlayTaskStatuses applies runtime task statuses from job_tasks onto the
// plan snapshot stored with the job.
func (s *Store) overlayTaskStatuses(ctx context.Context, j *job.Job) error {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, status FROM job_tasks WHERE job_id = $1`, j.ID)
	if err != nil {
		return fmt.Errorf("list job tasks %s: %w", j.ID, err)
	}
	defer rows.Close()

	statuses := make(map[string]plan.TaskStatus, len(j.Plan.Tasks))
	for rows.Next() {
		var taskID, status string
		if err := rows.Scan(&taskID, &status); err != nil {
			return fmt.Errorf("scan job task: %w", err)
		}
		statuses[taskID] = plan.TaskStatus(status)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := range j.Plan.Tasks {
		if st, ok := statuses[j.Plan.Tasks[i].ID]; ok {
			j.Plan.Tasks[i].Status = st
		}
	}
	return nil
}

func (s *Store) listTaskResults(ctx context.Context, jobID string) ([]job.TaskResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, status, attempts, confidence, files, warnings, suggestions, failure_class, error, duration_ms
		 FROM task_results WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list task results %s: %w", jobID, err)
	}
	defer rows.Close()

	var results []job.TaskResult
	for rows.Next() {
		var (
			res        job.TaskResult
			status     string
			class      string
			filesJSON  []byte
			warnJSON   []byte
			suggJSON   []byte
			durationMS int64
		)
		if err := rows.Scan(&res.TaskID, &status, &res.Attempts, &res.Confidence,
			&filesJSON, &warnJSON, &suggJSON, &class, &res.Error, &durationMS); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		res.Status = plan.TaskStatus(status)
		res.FailureClass = job.FailureClass(class)
		res.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal(filesJSON, &res.Files); err != nil {
			return nil, fmt.Errorf("unmarshal files: %w", err)
		}
		if err := json.Unmarshal(warnJSON, &res.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal warnings: %w", err)
		}
		if err := json.Unmarshal(suggJSON, &res.Suggestions); err != nil {
			return nil, fmt.Errorf("unmarshal suggestions: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func scanJob(row scannable) (job.Job, error) {
	var (
		j        job.Job
		planJSON []byte
		status   string
	)
	err := row.Scan(&j.ID, &j.ProjectID, &planJSON, &status, &j.Progress,
		&j.CurrentActivity, &j.Error, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.CompletedAt)
	if err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	if err := json.Unmarshal(planJSON, &j.Plan); err != nil {
		return job.Job{}, fmt.Errorf("unmarshal plan: %w", err)
	}
	return j, nil
}
