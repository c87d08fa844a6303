package destinations_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/michiel/ratchet-sub006/internal/delivery/destinations"
	"github.com/michiel/ratchet-sub006/internal/retry"
)

func TestWebhook_DeliverSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ack":true}`))
	}))
	defer srv.Close()

	wh := destinations.NewWebhook(destinations.WebhookConfig{
		URLTemplate: srv.URL + "/hook/{{job_id}}",
		Retry:       retry.Policy{MaxAttempts: 2},
	})

	result, err := wh.Deliver(context.Background(), destinations.TaskOutput{Decoded: map[string]any{"x": 1}}, destinations.DeliveryContext{JobID: "job-1"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestWebhook_DeliverNonRetryableStatusFailsImmediately(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := destinations.NewWebhook(destinations.WebhookConfig{
		URLTemplate: srv.URL,
		Retry:       retry.Policy{MaxAttempts: 5},
	})

	_, err := wh.Deliver(context.Background(), destinations.TaskOutput{Decoded: map[string]any{}}, destinations.DeliveryContext{})
	if err == nil {
		t.Fatalf("expected an error for a 400 response")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable status, got %d", attempts)
	}
}

func TestWebhook_DeliverRetriesOnServerError(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := destinations.NewWebhook(destinations.WebhookConfig{
		URLTemplate: srv.URL,
		Retry:       retry.Policy{MaxAttempts: 5, InitialDelay: 0},
	})

	result, err := wh.Deliver(context.Background(), destinations.TaskOutput{Decoded: map[string]any{}}, destinations.DeliveryContext{})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !result.Success || attempts != 3 {
		t.Fatalf("expected success on 3rd attempt, got success=%v attempts=%d", result.Success, attempts)
	}
}
