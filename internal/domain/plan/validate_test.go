package plan

import (
	"errors"
	"strings"
	"testing"
)

func validPlan() *Plan {
	return &Plan{
		ID:          "p1",
		SourceStack: "python-flask",
		TargetStack: "go-chi",
		Tasks: []Task{
			{ID: "analyze", Kind: KindAnalysis, Description: "analyze project layout", EstimatedMinutes: 5},
			{ID: "models", Kind: KindCodegen, Description: "convert models", DependsOn: []string{"analyze"}, EstimatedMinutes: 20},
			{ID: "handlers", Kind: KindCodegen, Description: "convert handlers", DependsOn: []string{"models"}, EstimatedMinutes: 30},
			{ID: "deps", Kind: KindDependencyUpdate, Description: "rewrite dependency manifest", DependsOn: []string{"analyze"}, EstimatedMinutes: 10},
			{ID: "verify", Kind: KindValidation, Description: "validate output", DependsOn: []string{"handlers", "deps"}, EstimatedMinutes: 15},
		},
	}
}

func TestValidateAcceptsDAG(t *testing.T) {
	if err := validPlan().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateEmptyPlan(t *testing.T) {
	p := &Plan{ID: "p1"}
	if err := p.Validate(); !errors.Is(err, ErrNoTasks) {
		t.Fatalf("expected ErrNoTasks, got %v", err)
	}
}

func TestValidateFieldErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Plan)
		want   error
	}{
		{"missing id", func(p *Plan) { p.Tasks[1].ID = "" }, ErrTaskMissingID},
		{"duplicate id", func(p *Plan) { p.Tasks[1].ID = "analyze" }, ErrDuplicateTaskID},
		{"missing description", func(p *Plan) { p.Tasks[2].Description = "" }, ErrTaskMissingDesc},
		{"unknown kind", func(p *Plan) { p.Tasks[0].Kind = "refactor" }, ErrTaskInvalidKind},
		{"zero estimate", func(p *Plan) { p.Tasks[3].EstimatedMinutes = 0 }, ErrTaskBadEstimate},
		{"negative estimate", func(p *Plan) { p.Tasks[3].EstimatedMinutes = -1 }, ErrTaskBadEstimate},
		{"unknown dependency", func(p *Plan) { p.Tasks[4].DependsOn = []string{"nope"} }, ErrUnknownDependency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPlan()
			tc.mutate(p)
			if err := p.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateSelfDependency(t *testing.T) {
	p := validPlan()
	p.Tasks[0].DependsOn = []string{"analyze"}
	err := p.Validate()
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestValidateCycleNamesEdge(t *testing.T) {
	p := &Plan{
		ID: "p1",
		Tasks: []Task{
			{ID: "a", Kind: KindAnalysis, Description: "a", DependsOn: []string{"c"}, EstimatedMinutes: 1},
			{ID: "b", Kind: KindCodegen, Description: "b", DependsOn: []string{"a"}, EstimatedMinutes: 1},
			{ID: "c", Kind: KindCodegen, Description: "c", DependsOn: []string{"b"}, EstimatedMinutes: 1},
		},
	}
	err := p.Validate()
	if !errors.Is(err, ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
	// The message must name a concrete edge on the cycle.
	if !strings.Contains(err.Error(), "depends on") {
		t.Fatalf("error does not name the back edge: %v", err)
	}
}

func TestValidateDiamondIsNotCycle(t *testing.T) {
	p := &Plan{
		ID: "p1",
		Tasks: []Task{
			{ID: "root", Kind: KindAnalysis, Description: "root", EstimatedMinutes: 1},
			{ID: "left", Kind: KindCodegen, Description: "left", DependsOn: []string{"root"}, EstimatedMinutes: 1},
			{ID: "right", Kind: KindCodegen, Description: "right", DependsOn: []string{"root"}, EstimatedMinutes: 1},
			{ID: "join", Kind: KindIntegration, Description: "join", DependsOn: []string{"left", "right"}, EstimatedMinutes: 1},
		},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("diamond incorrectly rejected: %v", err)
	}
}
