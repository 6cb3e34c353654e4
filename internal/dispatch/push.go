package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const fcmEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMPusher posts notifications to Firebase Cloud Messaging. Delivery is
// best-effort; failures are logged and dropped.
type FCMPusher struct {
	serverKey string
	client    *http.Client
	log       *slog.Logger
}

func NewFCMPusher(serverKey string, log *slog.Logger) *FCMPusher {
	return &FCMPusher{
		serverKey: serverKey,
		client:    &http.Client{Timeout: 5 * time.Second},
		log:       log,
	}
}

// Enabled reports whether a server key is configured.
func (p *FCMPusher) Enabled() bool { return p.serverKey != "" }

func (p *FCMPusher) Notify(ctx context.Context, deviceToken, title, body string, data map[string]any) {
	if !p.Enabled() || deviceToken == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"to":           deviceToken,
		"notification": map[string]string{"title": title, "body": body},
		"data":         data,
	})
	if err != nil {
		p.log.Error("failed to encode push payload", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fcmEndpoint, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.serverKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("push delivery failed", "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.log.Warn("push rejected", "status", resp.StatusCode)
	}
}
