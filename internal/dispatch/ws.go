// Package dispatch fans ride events out to interested parties: websocket
// subscribers, the ride-event Kafka topic, and best-effort mobile push. All
// delivery is fire-and-forget; a slow or dead subscriber never blocks a ride
// transition.
package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// WSRegistry tracks websocket subscribers per channel. Channels are
// "ride:<id>" for ride parties and "driver:<id>" for driver devices.
type WSRegistry struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]bool
	log   *slog.Logger
}

func NewWSRegistry(log *slog.Logger) *WSRegistry {
	return &WSRegistry{conns: make(map[string]map[*websocket.Conn]bool), log: log}
}

func (r *WSRegistry) Subscribe(channel string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[channel] == nil {
		r.conns[channel] = make(map[*websocket.Conn]bool)
	}
	r.conns[channel][conn] = true
}

func (r *WSRegistry) Unsubscribe(channel string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns[channel], conn)
	if len(r.conns[channel]) == 0 {
		delete(r.conns, channel)
	}
}

// Broadcast sends the payload to every subscriber of the channel, dropping
// connections that fail to write.
func (r *WSRegistry) Broadcast(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Error("failed to encode ws payload", "channel", channel, "error", err)
		return
	}

	r.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(r.conns[channel]))
	for c := range r.conns[channel] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	var dead []*websocket.Conn
	for _, c := range targets {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		r.Unsubscribe(channel, c)
		c.Close()
	}
}

// Subscribers returns the current subscriber count for a channel.
func (r *WSRegistry) Subscribers(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[channel])
}
