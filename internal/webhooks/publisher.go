package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"scooproute/internal/model"
)

// Endpoints is the part of the store the publisher fans out through.
type Endpoints interface {
	GetWebhooksForEvent(ctx context.Context, orgID, eventType string) ([]model.Webhook, error)
	EnqueueWebhook(ctx context.Context, orgID, webhookID, eventType, url, secret string, payload []byte) (string, error)
}

type Publisher struct {
	Store  Endpoints
	Logger *slog.Logger
}

func NewPublisher(s Endpoints, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{Store: s, Logger: log}
}

// Emit queues one delivery per endpoint subscribed to eventType and
// returns how many were queued. Delivery itself happens in the Worker.
func (p *Publisher) Emit(ctx context.Context, orgID, eventType string, data any) int {
	hooks, err := p.Store.GetWebhooksForEvent(ctx, orgID, eventType)
	if err != nil {
		p.Logger.Warn("webhook lookup failed", "org", orgID, "event", eventType, "err", err)
		return 0
	}
	if len(hooks) == 0 {
		return 0
	}
	body, err := json.Marshal(map[string]any{
		"id":    "evt_" + uuid.New().String(),
		"type":  eventType,
		"orgId": orgID,
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"data":  data,
	})
	if err != nil {
		p.Logger.Warn("webhook payload encode failed", "event", eventType, "err", err)
		return 0
	}
	n := 0
	for _, h := range hooks {
		if _, err := p.Store.EnqueueWebhook(ctx, orgID, h.ID, eventType, h.URL, h.Secret, body); err != nil {
			p.Logger.Warn("webhook enqueue failed", "org", orgID, "webhook", h.ID, "err", err)
			continue
		}
		n++
	}
	return n
}
