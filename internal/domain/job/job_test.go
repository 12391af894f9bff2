package job

import (
	"testing"

	"github.com/restackd/restack/internal/domain/plan"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning, StatusPaused} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCanTransitionTo(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending: {StatusRunning, StatusCancelled},
		StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
		StatusPaused:  {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
		StatusFailed:  {StatusRunning},
	}
	all := []Status{StatusPending, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := from.CanTransitionTo(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTaskAndResultLookup(t *testing.T) {
	j := &Job{
		Plan: plan.Plan{Tasks: []plan.Task{{ID: "a"}, {ID: "b"}}},
		Results: []TaskResult{
			{TaskID: "a", Status: plan.TaskStatusFailed, Attempts: 1},
			{TaskID: "a", Status: plan.TaskStatusCompleted, Attempts: 2},
		},
	}

	if j.Task("b") == nil || j.Task("missing") != nil {
		t.Fatal("task lookup broken")
	}

	res := j.Result("a")
	if res == nil || res.Attempts != 2 {
		t.Fatalf("expected the latest result for task a, got %+v", res)
	}
	if j.Result("b") != nil {
		t.Fatal("expected nil result for task without results")
	}
}
