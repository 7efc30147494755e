package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"swiftlet/internal/channels"
	"swiftlet/internal/roster"
)

func TestHealthAndConnections(t *testing.T) {
	r := roster.New()
	idx := r.Add("alice")
	r.SetState(idx, channels.StateEstablished)

	api := New(r, func() string { return "my swiftlet server" })
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", healthResp.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	connResp, err := http.Get(ts.URL + "/api/connections")
	if err != nil {
		t.Fatalf("GET /api/connections: %v", err)
	}
	defer connResp.Body.Close()
	if connResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /api/connections, got %d", connResp.StatusCode)
	}
	var body struct {
		ServerName  string           `json:"server_name"`
		Connections []connectionView `json:"connections"`
	}
	if err := json.NewDecoder(connResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode connections: %v", err)
	}
	if body.ServerName != "my swiftlet server" {
		t.Fatalf("server_name = %q, want %q", body.ServerName, "my swiftlet server")
	}
	if len(body.Connections) != 1 || body.Connections[0].Name != "alice" || body.Connections[0].State != "established" {
		t.Fatalf("unexpected connections payload: %#v", body.Connections)
	}
}
