package plan

import (
	"errors"
	"fmt"
)

var (
	ErrNoTasks           = errors.New("at least one task is required")
	ErrTaskMissingID     = errors.New("task id is required")
	ErrDuplicateTaskID   = errors.New("task id is not unique within the plan")
	ErrTaskMissingDesc   = errors.New("task description is required")
	ErrTaskInvalidKind   = errors.New("task kind is not a known kind")
	ErrTaskBadEstimate   = errors.New("task estimated duration must be positive")
	ErrUnknownDependency = errors.New("dependency references a task id not in the plan")
	ErrDependencyCycle   = errors.New("task dependencies contain a cycle")
)

// Validate checks the plan for structural correctness. An invalid plan must
// never be executed; the first violation found is returned, naming the
// offending task.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return ErrNoTasks
	}

	byID := make(map[string]*Task, len(p.Tasks))
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.ID == "" {
			return fmt.Errorf("task %d: %w", i, ErrTaskMissingID)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("task %q: %w", t.ID, ErrDuplicateTaskID)
		}
		byID[t.ID] = t
		if t.Description == "" {
			return fmt.Errorf("task %q: %w", t.ID, ErrTaskMissingDesc)
		}
		if !t.Kind.Valid() {
			return fmt.Errorf("task %q kind %q: %w", t.ID, t.Kind, ErrTaskInvalidKind)
		}
		if t.EstimatedMinutes <= 0 {
			return fmt.Errorf("task %q: %w", t.ID, ErrTaskBadEstimate)
		}
	}

	for i := range p.Tasks {
		t := &p.Tasks[i]
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %q depends on %q: %w", t.ID, dep, ErrUnknownDependency)
			}
		}
	}

	return detectCycle(p.Tasks, byID)
}

// detectCycle runs a depth-first traversal with a recursion-stack set and
// reports the first back edge found.
func detectCycle(tasks []Task, byID map[string]*Task) error {
	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))

	var visit func(t *Task) error
	visit = func(t *Task) error {
		state[t.ID] = onStack
		for _, dep := range t.DependsOn {
			switch state[dep] {
			case onStack:
				return fmt.Errorf("task %q depends on %q: %w", t.ID, dep, ErrDependencyCycle)
			case unvisited:
				if err := visit(byID[dep]); err != nil {
					return err
				}
			}
		}
		state[t.ID] = done
		return nil
	}

	for i := range tasks {
		if state[tasks[i].ID] == unvisited {
			if err := visit(&tasks[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
