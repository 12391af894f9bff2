// Package service implements the conversion engine's business logic: job
// lifecycle management, task scheduling over the plan DAG, and task execution
// against the converter capability.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/domain/plan"
	"github.com/restackd/restack/internal/port/converter"
	"github.com/restackd/restack/internal/resilience"
)

// Executor runs a single task against the converter, enforcing the per-task
// timeout and classifying failures for the retry policy.
type Executor struct {
	conv    converter.Converter
	timeout time.Duration
}

// NewExecutor creates an Executor. timeout bounds one converter call; zero
// disables the bound.
func NewExecutor(conv converter.Converter, timeout time.Duration) *Executor {
	return &Executor{conv: conv, timeout: timeout}
}

// Execute runs one task and returns its result. It never returns an error;
// failures are carried in the result with a failure class so the scheduler
// can decide between retry and permanent failure. Attempts is left zero for
// the caller to fill in.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, t plan.Task, acc map[string]string) job.TaskResult {
	start := time.Now()

	merged := make(map[string]string, len(acc)+len(t.Context))
	for k, v := range acc {
		merged[k] = v
	}
	for k, v := range t.Context {
		merged[k] = v
	}

	req := converter.Request{
		TaskID:        t.ID,
		TaskKind:      t.Kind,
		Description:   t.Description,
		SourceExcerpt: sourceExcerpt(t.InputPatterns, acc),
		SourceStack:   p.SourceStack,
		TargetStack:   p.TargetStack,
		Context:       merged,
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	res, err := e.conv.Convert(ctx, req)
	dur := time.Since(start)
	if err != nil {
		return job.TaskResult{
			TaskID:       t.ID,
			Status:       plan.TaskStatusFailed,
			FailureClass: classify(err),
			Error:        err.Error(),
			Duration:     dur,
		}
	}

	return job.TaskResult{
		TaskID:      t.ID,
		Status:      plan.TaskStatusCompleted,
		Files:       res.Files,
		Confidence:  res.Confidence,
		Warnings:    res.Warnings,
		Suggestions: res.Suggestions,
		Duration:    dur,
	}
}

// classify maps a converter error to a failure class. An open circuit means
// the capability is overloaded, so it counts as transient alongside rate
// limits, unavailability and timeouts.
func classify(err error) job.FailureClass {
	if converter.IsTransient(err) || errors.Is(err, resilience.ErrCircuitOpen) {
		return job.FailureTransient
	}
	return job.FailurePermanent
}

// sourceExcerpt assembles the task's input from files produced by completed
// dependencies. Only exact path matches against the accumulated context are
// considered; pattern expansion against the project tree is the capability's
// concern.
func sourceExcerpt(patterns []string, acc map[string]string) string {
	var b strings.Builder
	for _, pat := range patterns {
		content, ok := acc["file:"+pat]
		if !ok || content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("// ")
		b.WriteString(pat)
		b.WriteString("\n")
		b.WriteString(content)
	}
	return b.String()
}
