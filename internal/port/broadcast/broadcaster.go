// Package broadcast defines the port for pushing real-time events to connected clients.
package broadcast

import "context"

// Event type constants used on the wire to connected clients.
const (
	EventJobStatus   = "job.status"
	EventJobProgress = "job.progress"
	EventTaskStatus  = "task.status"
)

// Broadcaster sends a typed event to every connected client. Delivery is
// best-effort; consumers reconcile through the job status API.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
