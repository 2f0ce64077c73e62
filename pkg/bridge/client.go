package bridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dev-adhiraj/be-better/pkg/broker"
	"github.com/dev-adhiraj/be-better/pkg/storage"
)

type apiError struct {
	Error string `json:"error"`
}

// ApprovalClient talks to a running relay's approval API.
type ApprovalClient struct {
	http *resty.Client
}

// NewApprovalClient targets baseURL (for example http://127.0.0.1:18645).
// token is sent as a bearer token when set.
func NewApprovalClient(baseURL, token string) *ApprovalClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")
	if token != "" {
		c.SetAuthToken(token)
	}
	return &ApprovalClient{http: c}
}

func (c *ApprovalClient) ListPending(ctx context.Context) ([]storage.PendingRecord, error) {
	var recs []storage.PendingRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&recs).
		SetError(&apiError{}).
		Get("/pending")
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	if resp.IsError() {
		return nil, responseError(resp)
	}
	return recs, nil
}

func (c *ApprovalClient) GetPending(ctx context.Context, id string) (storage.PendingRecord, error) {
	var rec storage.PendingRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetResult(&rec).
		SetError(&apiError{}).
		Get("/pending/{id}")
	if err != nil {
		return rec, fmt.Errorf("failed to read pending request: %w", err)
	}
	if resp.IsError() {
		return rec, responseError(resp)
	}
	return rec, nil
}

// Decide posts a decision. A repeat of a recent decision yields
// broker.ErrAlreadyResolved; an id the broker never held or has forgotten
// yields broker.ErrUnknownRequest.
func (c *ApprovalClient) Decide(ctx context.Context, d broker.Decision) error {
	var ack struct {
		AlreadyResolved bool `json:"alreadyResolved"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(d).
		SetResult(&ack).
		SetError(&apiError{}).
		Post("/decision")
	if err != nil {
		return fmt.Errorf("failed to send decision: %w", err)
	}
	if resp.IsError() {
		return responseError(resp)
	}
	if ack.AlreadyResolved {
		return broker.ErrAlreadyResolved
	}
	return nil
}

func responseError(resp *resty.Response) error {
	msg := resp.Status()
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		msg = e.Error
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return broker.ErrUnknownRequest
	case http.StatusBadRequest:
		return broker.ErrInvalidParams.With(msg)
	case http.StatusServiceUnavailable:
		return broker.ErrUnavailable
	default:
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode(), msg)
	}
}
