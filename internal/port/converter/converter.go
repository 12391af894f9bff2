// Package converter defines the port for the external AI conversion capability.
package converter

import (
	"context"
	"errors"

	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/domain/plan"
)

// Classified errors a converter implementation may return. Rate limiting and
// unavailability are transient; malformed output is permanent.
var (
	ErrRateLimited     = errors.New("converter: rate limited")
	ErrUnavailable     = errors.New("converter: service unavailable")
	ErrMalformedOutput = errors.New("converter: malformed output")
)

// IsTransient reports whether err is worth retrying. Timeouts are classified
// by the caller (context.DeadlineExceeded), so they are included here too.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Request carries everything the capability needs to convert one task's slice
// of the project.
type Request struct {
	TaskID        string            `json:"task_id"`
	TaskKind      plan.Kind         `json:"task_kind"`
	Description   string            `json:"description"`
	SourceExcerpt string            `json:"source_excerpt,omitempty"`
	SourceStack   string            `json:"source_stack"`
	TargetStack   string            `json:"target_stack"`
	Context       map[string]string `json:"context,omitempty"`
}

// Result is the capability's answer for one task.
type Result struct {
	Files       []job.FileChange `json:"files"`
	Confidence  float64          `json:"confidence"` // 0..1
	Warnings    []string         `json:"warnings,omitempty"`
	Suggestions []string         `json:"suggestions,omitempty"`
}

// Converter is the narrow interface the engine depends on. Implementations
// must honor ctx cancellation; the executor enforces its own timeout on top.
type Converter interface {
	Convert(ctx context.Context, req Request) (*Result, error)
}
