package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cobrun/tripwatch/clients"
)

func TestClientNotifier_CreateNotification(t *testing.T) {
	var (
		gotBody map[string]any
		gotKey  string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/notifications" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"svc-123"}`))
	}))
	defer server.Close()

	cfg := clients.DefaultNotificationClientConfig(server.URL)
	cfg.MaxRetries = 0
	n := NewClientNotifier(clients.NewNotificationClient(cfg))

	id, err := n.CreateNotification(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("CreateNotification() error = %v", err)
	}
	if id != "svc-123" {
		t.Errorf("id = %q, want svc-123", id)
	}
	if gotKey == "" {
		t.Error("idempotency key header not sent")
	}
	if gotBody["role"] != RoleDispatch || gotBody["reference_id"] != "trip-1" || gotBody["priority"] != "high" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestClientNotifier_FallsBackToIdempotencyKey(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	cfg := clients.DefaultNotificationClientConfig(server.URL)
	cfg.MaxRetries = 0
	id, err := NewClientNotifier(clients.NewNotificationClient(cfg)).
		CreateNotification(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("CreateNotification() error = %v", err)
	}
	if id != gotKey {
		t.Errorf("id = %q, want idempotency key %q", id, gotKey)
	}
}

func TestClientNotifier_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := clients.DefaultNotificationClientConfig(server.URL)
	cfg.MaxRetries = 0
	if _, err := NewClientNotifier(clients.NewNotificationClient(cfg)).
		CreateNotification(context.Background(), validRequest()); err == nil {
		t.Fatal("expected error")
	}
}
