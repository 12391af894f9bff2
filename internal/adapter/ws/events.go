package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// BroadcastEvent marshals a typed event and broadcasts it to all clients.
// Implements the broadcast.Broadcaster port; event types are defined there.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
