package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/arxiv/notifyd/internal/aggregator"
	"github.com/arxiv/notifyd/internal/httpkit"
	"github.com/arxiv/notifyd/internal/notify"
)

const webhookTimeout = 30 * time.Second

// WebhookProvider POSTs a rendered digest as JSON to a subscription's
// slack_webhook_url.
type WebhookProvider struct {
	client *http.Client
}

// NewWebhookProvider builds a provider using the shared httpkit client
// construction (consistent timeouts, connection reuse, User-Agent).
func NewWebhookProvider() *WebhookProvider {
	return &WebhookProvider{
		client: httpkit.NewClient(httpkit.WithTimeout(webhookTimeout)),
	}
}

type webhookPayload struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// Send posts rendered to sub.SlackWebhookURL. A 2xx response is
// Delivered; 408 and 429 (request timeout, rate limit) and any 5xx are
// TransientFailure; other 4xx responses and request-construction
// errors are PermanentFailure; network errors (including client-side
// timeouts) are TransientFailure.
func (p *WebhookProvider) Send(ctx context.Context, sub notify.Subscription, rendered aggregator.Rendered, sender string) Result {
	if sender == "" {
		sender = "notifyd"
	}
	body, err := json.Marshal(webhookPayload{
		Subject: rendered.Subject,
		Message: rendered.Body,
		Sender:  sender,
	})
	if err != nil {
		return Result{Outcome: PermanentFailure, Err: fmt.Errorf("marshal webhook payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.SlackWebhookURL, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: PermanentFailure, Err: fmt.Errorf("build webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Outcome: TransientFailure, Err: err}
		}
		return Result{Outcome: TransientFailure, Err: fmt.Errorf("webhook request: %w", err)}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Outcome: Delivered}
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return Result{Outcome: TransientFailure, Err: webhookStatusError(resp.StatusCode)}
	case resp.StatusCode >= 500:
		return Result{Outcome: TransientFailure, Err: webhookStatusError(resp.StatusCode)}
	case resp.StatusCode >= 400:
		return Result{Outcome: PermanentFailure, Err: webhookStatusError(resp.StatusCode)}
	default:
		return Result{Outcome: TransientFailure, Err: webhookStatusError(resp.StatusCode)}
	}
}

func webhookStatusError(status int) error {
	return fmt.Errorf("webhook responded %d %s", status, http.StatusText(status))
}
