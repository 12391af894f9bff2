package plan

import (
	"math"
	"sort"
)

// ReadyTasks returns the IDs of tasks that are pending and have every
// dependency completed, ordered by priority (lower value first) with the
// task ID as a stable tie-break.
func ReadyTasks(tasks []Task) []string {
	completed := make(map[string]bool, len(tasks))
	for i := range tasks {
		if tasks[i].Status == TaskStatusCompleted {
			completed[tasks[i].ID] = true
		}
	}

	var ready []*Task
	for i := range tasks {
		if tasks[i].Status != TaskStatusPending {
			continue
		}
		eligible := true
		for _, dep := range tasks[i].DependsOn {
			if !completed[dep] {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, &tasks[i])
		}
	}

	sort.Slice(ready, func(a, b int) bool {
		if ready[a].Priority != ready[b].Priority {
			return ready[a].Priority < ready[b].Priority
		}
		return ready[a].ID < ready[b].ID
	})

	ids := make([]string, len(ready))
	for i, t := range ready {
		ids[i] = t.ID
	}
	return ids
}

// RunningCount returns the number of tasks currently running.
func RunningCount(tasks []Task) int {
	count := 0
	for i := range tasks {
		if tasks[i].Status == TaskStatusRunning {
			count++
		}
	}
	return count
}

// AllTerminal returns true if every task is in a terminal state.
func AllTerminal(tasks []Task) bool {
	for i := range tasks {
		if !tasks[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// AnyFailed returns true if at least one task has failed.
func AnyFailed(tasks []Task) bool {
	for i := range tasks {
		if tasks[i].Status == TaskStatusFailed {
			return true
		}
	}
	return false
}

// Progress returns the 0-100 completion value: the duration-weighted share of
// tasks that reached a terminal state. Failed and skipped tasks contribute
// their weight too, so a job that can make no further progress reads 100.
func Progress(tasks []Task) int {
	total := TotalEstimate(tasks)
	if total <= 0 {
		return 0
	}
	var done float64
	for i := range tasks {
		if tasks[i].Status.IsTerminal() {
			done += tasks[i].EstimatedMinutes
		}
	}
	return int(math.Round(100 * done / total))
}

// TransitiveDependents returns the IDs of every task that depends, directly
// or through other tasks, on the given task.
func TransitiveDependents(tasks []Task, id string) []string {
	dependents := make(map[string][]string, len(tasks))
	for i := range tasks {
		for _, dep := range tasks[i].DependsOn {
			dependents[dep] = append(dependents[dep], tasks[i].ID)
		}
	}

	seen := map[string]bool{}
	var out []string
	queue := append([]string(nil), dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, dependents[next]...)
	}
	sort.Strings(out)
	return out
}
