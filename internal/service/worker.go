package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/restackd/restack/internal/domain/job"
	"github.com/restackd/restack/internal/domain/plan"
	"github.com/restackd/restack/internal/port/messagequeue"
	"github.com/restackd/restack/internal/progress"
)

// StartDispatchSubscriber consumes jobs.dispatch and runs each job's dispatch
// loop in this process. The message is acked once the loop is handed off;
// a worker crash mid-job is handled by stale-job recovery, not redelivery.
func (m *Manager) StartDispatchSubscriber(ctx context.Context) (func(), error) {
	return m.queue.Subscribe(ctx, messagequeue.SubjectJobDispatch,
		func(ctx context.Context, subject string, data []byte) error {
			var p messagequeue.JobDispatchPayload
			if err := json.Unmarshal(data, &p); err != nil || p.JobID == "" {
				slog.Error("malformed dispatch message dropped", "error", err)
				return nil
			}
			go func() {
				if err := m.RunDispatch(context.WithoutCancel(ctx), p.JobID); err != nil {
					slog.Error("dispatch loop failed", "job_id", p.JobID, "error", err)
				}
			}()
			return nil
		})
}

// StartControlSubscriber consumes jobs.control. Control messages fan out to
// every worker; only the one holding the job's dispatch loop acts.
func (m *Manager) StartControlSubscriber(ctx context.Context) (func(), error) {
	return m.queue.Subscribe(ctx, messagequeue.SubjectJobControl,
		func(ctx context.Context, subject string, data []byte) error {
			var p messagequeue.JobControlPayload
			if err := json.Unmarshal(data, &p); err != nil {
				slog.Error("malformed control message dropped", "error", err)
				return nil
			}
			ctl := m.ctl(p.JobID)
			if ctl == nil {
				return nil
			}
			slog.Info("control message applied", "job_id", p.JobID, "action", p.Action)
			m.applyControl(ctl, p.Action)
			return nil
		})
}

// StartProgressSubscriber consumes jobs.progress and re-delivers events
// published by other processes to this process's listeners, so websocket
// clients see progress no matter which worker runs the job.
func (m *Manager) StartProgressSubscriber(ctx context.Context) (func(), error) {
	return m.queue.Subscribe(ctx, messagequeue.SubjectJobProgress,
		func(ctx context.Context, subject string, data []byte) error {
			var p messagequeue.JobProgressPayload
			if err := json.Unmarshal(data, &p); err != nil {
				return nil
			}
			if p.Origin == m.origin {
				return nil
			}
			m.bus.Publish(ctx, progress.Event{
				JobID:      p.JobID,
				Status:     job.Status(p.Status),
				Progress:   p.Progress,
				Activity:   p.Activity,
				TaskID:     p.TaskID,
				TaskStatus: plan.TaskStatus(p.TaskStatus),
				Error:      p.Error,
			})
			return nil
		})
}
