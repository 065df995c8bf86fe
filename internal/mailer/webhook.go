package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	To            string            `json:"to"`
	Subject       string            `json:"subject"`
	HTML          string            `json:"html,omitempty"`
	Text          string            `json:"text,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
}

type webhookResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"messageId"`
}

// WebhookDeliverer posts messages as JSON to an HTTP mail API.
type WebhookDeliverer struct {
	client   *resty.Client
	endpoint string
}

func NewWebhookDeliverer(endpoint string) (*WebhookDeliverer, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookDelivererWithClient(endpoint, client)
}

func NewWebhookDelivererWithClient(endpoint string, client *resty.Client) (*WebhookDeliverer, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookDeliverer{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (d *WebhookDeliverer) Deliver(ctx context.Context, env Envelope) (string, error) {
	if d == nil || d.client == nil {
		return "", fmt.Errorf("webhook deliverer is not initialized")
	}

	var accepted webhookResponse
	request := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookRequest{
			To:            env.To,
			Subject:       env.Subject,
			HTML:          env.HTML,
			Text:          env.Text,
			Headers:       env.Headers,
			CorrelationID: env.CorrelationID,
		}).
		SetResult(&accepted)
	if env.CorrelationID != "" {
		request.SetHeader("X-Correlation-ID", env.CorrelationID)
	}

	response, err := request.Post(d.endpoint)
	if err != nil {
		return "", &DeliveryError{
			Reason:    "webhook request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return "", &DeliveryError{Reason: "webhook returned empty response", Transient: true}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return deliveryID(response, accepted), nil
	}

	return "", &DeliveryError{
		Code:      statusCode,
		Reason:    webhookErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient: isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func webhookErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("upstream returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

// deliveryID prefers the id in the response body, then request id headers.
// An accepted message without any upstream id gets a local one.
func deliveryID(response *resty.Response, body webhookResponse) string {
	for _, id := range []string{body.MessageID, body.ID} {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			return trimmed
		}
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return "local-" + uuid.NewString()
}
