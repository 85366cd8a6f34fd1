package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/sapphire/internal/model"
)

// CRMForwarder delivers CRM events downstream.
type CRMForwarder interface {
	Forward(ctx context.Context, e model.CRMEvent) error
}

// CRMBridge forwards CRM events to the event bus and, when configured, to a
// CRM webhook. Both legs are attempted; the first error is returned.
type CRMBridge struct {
	publisher  Publisher
	webhookURL string
	httpClient *http.Client
}

// NewCRMBridge creates a bridge. An empty webhookURL skips the webhook leg.
func NewCRMBridge(publisher Publisher, webhookURL string) *CRMBridge {
	return &CRMBridge{
		publisher:  publisher,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Forward publishes the event and posts it to the webhook.
func (b *CRMBridge) Forward(ctx context.Context, e model.CRMEvent) error {
	pubErr := b.publisher.Publish(ctx, New("crm."+e.EventType, e.TenantID, e.ID.String(), e.Payload))
	hookErr := b.postWebhook(ctx, e)
	if pubErr != nil {
		return pubErr
	}
	return hookErr
}

func (b *CRMBridge) postWebhook(ctx context.Context, e model.CRMEvent) error {
	if b.webhookURL == "" {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: marshal crm event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("events: create crm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("events: crm webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("events: crm webhook: status %d", resp.StatusCode)
	}
	return nil
}
