package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/restackd/restack/internal/domain"
	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/domain/plan"
	"github.com/restackd/restack/internal/port/converter"
)

// mockStore implements database.Store in memory for testing.
type mockStore struct {
	mu   sync.Mutex
	jobs map[string]*job.Job
}

func newMockStore() *mockStore {
	return &mockStore{jobs: make(map[string]*job.Job)}
}

func cloneJob(j *job.Job) *job.Job {
	data, _ := json.Marshal(j)
	var out job.Job
	_ = json.Unmarshal(data, &out)
	return &out
}

func (s *mockStore) CreateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return domain.ErrConflict
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *mockStore) GetJob(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (s *mockStore) ListJobs(_ context.Context) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, j := range s.jobs {
		out = append(out, *cloneJob(j))
	}
	return out, nil
}

func (s *mockStore) ListJobsByProject(_ context.Context, projectID string) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.ProjectID == projectID {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

func (s *mockStore) ListJobsByStatus(_ context.Context, status job.Status) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

func (s *mockStore) UpdateJobStatus(_ context.Context, id string, status job.Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	j.Status = status
	j.Error = errMsg
	j.UpdatedAt = time.Now()
	now := time.Now()
	switch {
	case status == job.StatusRunning && j.StartedAt == nil:
		j.StartedAt = &now
	case status.IsTerminal():
		j.CompletedAt = &now
	default:
		j.CompletedAt = nil
	}
	return nil
}

func (s *mockStore) UpdateJobProgress(_ context.Context, id string, progress int, activity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	j.Progress = progress
	j.CurrentActivity = activity
	return nil
}

func (s *mockStore) UpdateTaskStatus(_ context.Context, jobID, taskID string, status plan.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	for i := range j.Plan.Tasks {
		if j.Plan.Tasks[i].ID == taskID {
			j.Plan.Tasks[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
}

func (s *mockStore) ResetTasks(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	for i := range j.Plan.Tasks {
		if j.Plan.Tasks[i].Status != plan.TaskStatusCompleted {
			j.Plan.Tasks[i].Status = plan.TaskStatusPending
		}
	}
	return nil
}

func (s *mockStore) AppendTaskResult(_ context.Context, jobID string, res job.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	j.Results = append(j.Results, res)
	return nil
}

func (s *mockStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	delete(s.jobs, id)
	return nil
}

// fakeConverter implements converter.Converter with scripted per-task
// outcomes. A task's script is consumed one entry per attempt; a nil entry or
// an exhausted script means success.
type fakeConverter struct {
	mu          sync.Mutex
	scripts     map[string][]error
	calls       []string
	inflight    int
	maxInflight int

	delay time.Duration
	block chan struct{} // when set, Convert waits until closed
}

func newFakeConverter() *fakeConverter {
	return &fakeConverter{scripts: make(map[string][]error)}
}

func (f *fakeConverter) script(taskID string, outcomes ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[taskID] = outcomes
}

func (f *fakeConverter) callCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == taskID {
			n++
		}
	}
	return n
}

func (f *fakeConverter) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConverter) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

func (f *fakeConverter) Convert(ctx context.Context, req converter.Request) (*converter.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.TaskID)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	var err error
	if script := f.scripts[req.TaskID]; len(script) > 0 {
		err = script[0]
		f.scripts[req.TaskID] = script[1:]
	}
	block := f.block
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, err
	}
	return &converter.Result{
		Files: []job.FileChange{
			{Path: req.TaskID + ".go", Type: job.ChangeCreate, After: "package converted"},
		},
		Confidence: 0.9,
	}, nil
}
