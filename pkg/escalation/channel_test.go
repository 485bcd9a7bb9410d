package escalation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestWebhookChannelDelivers(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var d Delivery
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		if d.RequestID != "req-1" || d.Urgency != UrgencyUrgent {
			t.Errorf("delivery = %+v, want req-1 at URGENT", d)
		}
		w.Header().Set("X-Correlation-ID", "hook-77")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := NewWebhookChannel()
	corrID, err := ch.Send(context.Background(), Delivery{
		RequestID:  "req-1",
		InstanceID: "inst-1",
		Urgency:    UrgencyUrgent,
		Summary:    "check-in needed",
		Target:     srv.URL,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if corrID != "hook-77" {
		t.Errorf("correlation id = %q, want hook-77", corrID)
	}
	if calls.Load() != 1 {
		t.Errorf("endpoint called %d times, want 1", calls.Load())
	}
}

func TestWebhookChannelRetriesThenFails(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ch := NewWebhookChannel()
	if _, err := ch.Send(context.Background(), Delivery{
		RequestID: "req-2",
		Urgency:   UrgencyRoutine,
		Target:    srv.URL,
	}); err == nil {
		t.Fatal("expected delivery failure on persistent 503")
	}
	if calls.Load() < 2 {
		t.Errorf("endpoint called %d times, want retries before giving up", calls.Load())
	}
}

func TestWebhookChannelFillsMissingCorrelationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel()
	corrID, err := ch.Send(context.Background(), Delivery{
		RequestID: "req-3",
		Urgency:   UrgencyRoutine,
		Target:    srv.URL,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if corrID == "" {
		t.Error("missing endpoint header must still yield a correlation id")
	}
}
