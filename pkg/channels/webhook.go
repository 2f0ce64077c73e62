package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dev-adhiraj/be-better/pkg/config"
	"github.com/dev-adhiraj/be-better/pkg/logger"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

// Webhook event types.
const (
	WebhookPending  = "pending"
	WebhookResolved = "resolved"
)

// WebhookEvent is the body posted to the configured URL. Receivers decide
// through the relay's /decision endpoint.
type WebhookEvent struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id"`
	Request *storage.PendingRecord `json:"request,omitempty"`
	Summary string                 `json:"summary,omitempty"`
	Outcome string                 `json:"outcome,omitempty"`
	SentAt  time.Time              `json:"sentAt"`
}

// WebhookResponse is what a receiver may answer with.
type WebhookResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// WebhookSurface forwards pending requests to an external approver.
type WebhookSurface struct {
	config config.WebhookConfig
	client *resty.Client
	now    func() time.Time
}

// NewWebhookSurface creates the surface. A nil client gets a default one.
func NewWebhookSurface(cfg config.WebhookConfig, client *resty.Client) (*WebhookSurface, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if client == nil {
		client = resty.New()
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client.SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	logger.InfoCF("webhook", "Webhook approval surface configured", map[string]any{
		"url": cfg.URL,
	})
	return &WebhookSurface{config: cfg, client: client, now: time.Now}, nil
}

func (w *WebhookSurface) Name() string { return "webhook" }

func (w *WebhookSurface) Announce(ctx context.Context, rec storage.PendingRecord) error {
	return w.post(ctx, WebhookEvent{
		Type:    WebhookPending,
		ID:      rec.ID,
		Request: &rec,
		Summary: Describe(rec),
		SentAt:  w.now().UTC(),
	})
}

func (w *WebhookSurface) Resolved(ctx context.Context, id, outcome string) error {
	return w.post(ctx, WebhookEvent{
		Type:    WebhookResolved,
		ID:      id,
		Outcome: outcome,
		SentAt:  w.now().UTC(),
	})
}

func (w *WebhookSurface) post(ctx context.Context, ev WebhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode webhook event: %w", err)
	}

	var resp WebhookResponse
	req := w.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&resp).
		SetError(&resp)
	if w.config.Secret != "" {
		ts := strconv.FormatInt(ev.SentAt.Unix(), 10)
		req.SetHeader(WebhookTimestampHeader, ts).
			SetHeader(WebhookSignatureHeader, SignWebhook(w.config.Secret, ts, body))
	}
	res, err := req.Post(w.config.URL)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	if res.IsError() {
		if resp.Error != "" {
			return fmt.Errorf("webhook rejected %s event: %s: %s", ev.Type, res.Status(), resp.Error)
		}
		return fmt.Errorf("webhook rejected %s event: %s", ev.Type, res.Status())
	}

	logger.DebugCF("webhook", "Webhook delivered", map[string]any{
		"type":   ev.Type,
		"id":     ev.ID,
		"status": res.StatusCode(),
	})
	return nil
}
