// Package plan defines the ConversionPlan domain entity: a DAG of conversion
// tasks describing how one project is rewritten into a different tech stack.
package plan

import "time"

// Kind classifies a conversion task.
type Kind string

const (
	KindAnalysis         Kind = "analysis"
	KindCodegen          Kind = "codegen"
	KindDependencyUpdate Kind = "dependency_update"
	KindConfigUpdate     Kind = "config_update"
	KindValidation       Kind = "validation"
	KindIntegration      Kind = "integration"
)

// Valid reports whether k is one of the known task kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindAnalysis, KindCodegen, KindDependencyUpdate,
		KindConfigUpdate, KindValidation, KindIntegration:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of an individual task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// IsTerminal returns true if the task is in a final state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	}
	return false
}

// Complexity classifies how involved a plan is expected to be.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Task is one unit of conversion work within a plan.
type Task struct {
	ID             string            `json:"id"`
	Kind           Kind              `json:"kind"`
	Description    string            `json:"description"`
	InputPatterns  []string          `json:"input_patterns,omitempty"`
	OutputPatterns []string          `json:"output_patterns,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	Priority       int               `json:"priority"` // lower value = dispatched first among ready tasks
	Status         TaskStatus        `json:"status"`
	// EstimatedMinutes is a progress-weighting hint, never a deadline.
	EstimatedMinutes float64           `json:"estimated_minutes"`
	Context          map[string]string `json:"context,omitempty"`
}

// Plan is an immutable-once-created DAG of conversion tasks plus plan-level
// metadata. Task statuses are runtime state owned by the job that binds the plan.
type Plan struct {
	ID               string     `json:"id"`
	SourceStack      string     `json:"source_stack"`
	TargetStack      string     `json:"target_stack"`
	Tasks            []Task     `json:"tasks"`
	EstimatedMinutes float64    `json:"estimated_minutes"`
	Complexity       Complexity `json:"complexity"`
	Feasible         bool       `json:"feasible"`
	Warnings         []string   `json:"warnings,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// TotalEstimate returns the sum of all task duration estimates.
func TotalEstimate(tasks []Task) float64 {
	var total float64
	for i := range tasks {
		total += tasks[i].EstimatedMinutes
	}
	return total
}
