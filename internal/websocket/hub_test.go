// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/events"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// startHub runs a hub on a gochannel bus behind an httptest server.
func startHub(t *testing.T) (*Hub, *events.Bus, string, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	bus, err := events.New(ctx, events.Config{Backend: events.BackendGoChannel}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	hub := NewHub(bus, nil, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- hub.Serve(ctx) }()
	waitFor(t, "hub start", hub.isRunning)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = bus.Close()
	})
	return hub, bus, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel, done
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHubRelaysEvents(t *testing.T) {
	t.Parallel()
	hub, bus, url, _, _ := startHub(t)
	conn := dial(t, url)
	waitFor(t, "client registration", func() bool { return hub.ClientCount() == 1 })

	sha := strings.Repeat("ab", 32)
	if err := bus.PublishFileRecorded(context.Background(), events.FileRecorded{
		ContentSHA256: sha,
		Status:        "new",
		SizeBytes:     5,
	}); err != nil {
		t.Fatal(err)
	}

	msg := readMessage(t, conn)
	if msg.Type != events.TopicFileRecorded {
		t.Fatalf("type = %q, want %q", msg.Type, events.TopicFileRecorded)
	}
	var got events.FileRecorded
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ContentSHA256 != sha || got.Status != "new" {
		t.Errorf("relayed event = %+v", got)
	}
}

func TestHubAnswersPing(t *testing.T) {
	t.Parallel()
	hub, _, url, _, _ := startHub(t)
	conn := dial(t, url)
	waitFor(t, "client registration", func() bool { return hub.ClientCount() == 1 })

	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypePong {
		t.Errorf("reply type = %q, want pong", msg.Type)
	}
}

func TestHubStopClosesClients(t *testing.T) {
	t.Parallel()
	hub, _, url, cancel, done := startHub(t)
	conn := dial(t, url)
	waitFor(t, "client registration", func() bool { return hub.ClientCount() == 1 })

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after stop", hub.ClientCount())
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	err := conn.ReadJSON(&msg)
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after stop = %v, want going-away close", err)
	}
}

func TestHubUnavailableBeforeServe(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, nil, nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestBroadcastDropsSlowClient(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, nil, nil, zerolog.Nop())
	slow := &Client{id: 1, hub: hub, send: make(chan Message)}
	fast := &Client{id: 2, hub: hub, send: make(chan Message, 1)}
	hub.clients[slow] = true
	hub.clients[fast] = true

	hub.broadcastToClients(Message{Type: "t"})

	if hub.ClientCount() != 1 || !hub.clients[fast] {
		t.Fatalf("expected only the fast client to remain, have %d", hub.ClientCount())
	}
	if _, open := <-slow.send; open {
		t.Error("slow client's channel should be closed")
	}
	if msg := <-fast.send; msg.Type != "t" {
		t.Errorf("fast client got %q", msg.Type)
	}
}

func TestOriginChecker(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"any", []string{"*"}, "https://evil.example", true},
		{"listed", []string{"https://ops.example"}, "https://ops.example", true},
		{"unlisted", []string{"https://ops.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://ops.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := originChecker(tt.allowed)(r); got != tt.want {
				t.Errorf("check(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
	if originChecker(nil) != nil {
		t.Error("no allowed origins should defer to the same-origin check")
	}
}
