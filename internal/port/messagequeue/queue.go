// Package messagequeue defines the message queue port used to hand a job's
// dispatch loop to a worker process in multi-process deployments.
package messagequeue

import "context"

// Handler processes one message. Returning an error nacks the message for
// redelivery (at-least-once); returning nil acks it.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing. Pending
	// messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by the conversion engine.
const (
	SubjectJobDispatch = "jobs.dispatch" // hand a started job's dispatch loop to a worker
	SubjectJobControl  = "jobs.control"  // cooperative pause/resume/cancel of a job on a worker
	SubjectJobProgress = "jobs.progress" // fan out progress events across processes
)
