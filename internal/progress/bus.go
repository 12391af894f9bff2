// Package progress delivers job progress notifications to in-process
// listeners with at-least-once, last-value-wins semantics per job.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/domain/plan"
	"github.com/restackd/restack/internal/port/broadcast"
)

// Event is one progress notification. Rapid updates may be coalesced: a slow
// subscriber observes the latest event for its job, not every intermediate
// value. Consumers reconcile through the job status API when exactness matters.
type Event struct {
	JobID      string          `json:"job_id"`
	Status     job.Status      `json:"status"`
	Progress   int             `json:"progress"`
	Activity   string          `json:"activity,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	TaskStatus plan.TaskStatus `json:"task_status,omitempty"`
	Error      string          `json:"error,omitempty"`
	At         time.Time       `json:"at"`
}

type subscriber struct {
	jobID string
	ch    chan Event
}

// Bus fans progress events out to per-job subscribers and, when configured,
// forwards every event to a Broadcaster (websocket hub).
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{} // jobID -> subscribers
	fwd  broadcast.Broadcaster
}

// NewBus creates a Bus. fwd may be nil.
func NewBus(fwd broadcast.Broadcaster) *Bus {
	return &Bus{
		subs: make(map[string]map[*subscriber]struct{}),
		fwd:  fwd,
	}
}

// Subscribe registers a listener for one job's events. The returned cancel
// function must be called to release the subscription; the channel is closed
// by cancel.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	s := &subscriber{jobID: jobID, ch: make(chan Event, 1)}

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*subscriber]struct{})
	}
	b.subs[jobID][s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[jobID], s)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Publish delivers ev to the job's subscribers, replacing any undelivered
// older event (last-value-wins), and forwards it to the broadcaster.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	for s := range b.subs[ev.JobID] {
		select {
		case s.ch <- ev:
		default:
			// Drop the stale undelivered event, then offer the new one.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
	b.mu.Unlock()

	if b.fwd != nil {
		b.fwd.BroadcastEvent(ctx, eventType(ev), ev)
	}
}

// eventType picks the wire event type: task-level events carry a task id,
// status changes carry a non-running job status, the rest is plain progress.
func eventType(ev Event) string {
	switch {
	case ev.TaskID != "":
		return broadcast.EventTaskStatus
	case ev.Status != job.StatusRunning:
		return broadcast.EventJobStatus
	default:
		return broadcast.EventJobProgress
	}
}
