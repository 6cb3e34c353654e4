package dispatch

import (
	"context"
	"log/slog"
	"time"
)

// Hub is the single fan-out point lifecycle code talks to. The event
// publisher and pusher are optional; the hub degrades to websocket-only
// delivery when they are absent.
type Hub struct {
	ws     *WSRegistry
	events *EventPublisher
	push   *FCMPusher
	log    *slog.Logger
}

func NewHub(ws *WSRegistry, events *EventPublisher, push *FCMPusher, log *slog.Logger) *Hub {
	return &Hub{ws: ws, events: events, push: push, log: log}
}

func (h *Hub) WS() *WSRegistry { return h.ws }

// RideEvent broadcasts a transition to the ride channel, the driver channel
// and the Kafka topic.
func (h *Hub) RideEvent(ctx context.Context, rideID, driverID, event, status string, data map[string]any) {
	ev := RideEvent{
		RideID:   rideID,
		Event:    event,
		Status:   status,
		DriverID: driverID,
		Data:     data,
		At:       time.Now().UTC(),
	}
	h.ws.Broadcast("ride:"+rideID, ev)
	if driverID != "" {
		h.ws.Broadcast("driver:"+driverID, ev)
	}
	if h.events != nil {
		h.events.Publish(ctx, ev)
	}
}

// Push sends a best-effort mobile notification.
func (h *Hub) Push(ctx context.Context, deviceToken, title, body string, data map[string]any) {
	if h.push != nil {
		h.push.Notify(ctx, deviceToken, title, body, data)
	}
}
