package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
)

var testEnvelope = Envelope{
	To:            "user@example.com",
	Subject:       "Welcome",
	HTML:          "<p>hi</p>",
	Text:          "hi",
	Headers:       map[string]string{"X-Campaign": "spring"},
	CorrelationID: "cid-1",
}

func TestWebhookDelivererSuccess(t *testing.T) {
	t.Parallel()

	var (
		gotBody        webhookRequest
		gotCorrelation string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"upstream-1"}`))
	}))
	defer server.Close()

	d, err := NewWebhookDeliverer(server.URL)
	if err != nil {
		t.Fatalf("NewWebhookDeliverer() error = %v", err)
	}

	id, err := d.Deliver(context.Background(), testEnvelope)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if id != "upstream-1" {
		t.Fatalf("delivery id = %q, want %q", id, "upstream-1")
	}

	if gotBody.To != testEnvelope.To || gotBody.Subject != testEnvelope.Subject {
		t.Fatalf("request = %+v", gotBody)
	}
	if gotBody.HTML != testEnvelope.HTML || gotBody.Text != testEnvelope.Text {
		t.Fatalf("request bodies = %q / %q", gotBody.HTML, gotBody.Text)
	}
	if gotBody.Headers["X-Campaign"] != "spring" {
		t.Fatalf("request headers = %v", gotBody.Headers)
	}
	if gotCorrelation != "cid-1" {
		t.Fatalf("X-Correlation-ID = %q, want %q", gotCorrelation, "cid-1")
	}
}

func TestWebhookDelivererIDFromHeader(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", "req-42")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d, _ := NewWebhookDeliverer(server.URL)
	id, err := d.Deliver(context.Background(), testEnvelope)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if id != "req-42" {
		t.Fatalf("delivery id = %q, want %q", id, "req-42")
	}
}

func TestWebhookDelivererGeneratesIDWhenUpstreamHasNone(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d, _ := NewWebhookDeliverer(server.URL)
	id, err := d.Deliver(context.Background(), testEnvelope)
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if !strings.HasPrefix(id, "local-") {
		t.Fatalf("delivery id = %q, want local- prefix", id)
	}
}

func TestWebhookDelivererStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantTransient bool
	}{
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantTransient: true},
		{name: "bad request is permanent", statusCode: http.StatusBadRequest, wantTransient: false},
		{name: "bad gateway is transient", statusCode: http.StatusBadGateway, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("mailbox unavailable"))
			}))
			defer server.Close()

			d, err := NewWebhookDeliverer(server.URL)
			if err != nil {
				t.Fatalf("NewWebhookDeliverer() error = %v", err)
			}

			_, err = d.Deliver(context.Background(), testEnvelope)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}

			var deliveryErr *DeliveryError
			if !errors.As(err, &deliveryErr) {
				t.Fatalf("expected DeliveryError, got %T", err)
			}
			if deliveryErr.Code != tc.statusCode {
				t.Fatalf("DeliveryError.Code = %d, want %d", deliveryErr.Code, tc.statusCode)
			}
			if !strings.Contains(FailureReason(err), "mailbox unavailable") {
				t.Fatalf("FailureReason() = %q, want upstream body", FailureReason(err))
			}
		})
	}
}

func TestWebhookDelivererTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	d, err := NewWebhookDelivererWithClient(server.URL, client)
	if err != nil {
		t.Fatalf("NewWebhookDelivererWithClient() error = %v", err)
	}

	_, err = d.Deliver(context.Background(), testEnvelope)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true (err=%v)", err)
	}
}

func TestNewWebhookDelivererValidatesEndpoint(t *testing.T) {
	t.Parallel()

	for _, endpoint := range []string{"", "   ", "not a url"} {
		if _, err := NewWebhookDeliverer(endpoint); err == nil {
			t.Fatalf("NewWebhookDeliverer(%q) expected error", endpoint)
		}
	}
}
