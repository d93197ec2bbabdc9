// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package websocket streams archive events to connected clients.
//
// The hub subscribes to the event bus and relays every file and forwarding
// event as a {"type": topic, "data": event} frame. Clients only listen; the
// one message they may send is {"type": "ping"}, answered with a pong.
// A slow client whose buffer fills is disconnected rather than allowed to
// stall the others.
package websocket

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/events"
)

// Message types besides the event topics.
const (
	MessageTypePing = "ping"
	MessageTypePong = "pong"
)

// Message is one frame on the stream.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Subscriber is the part of *events.Bus the hub reads from.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Topics relayed by default.
var Topics = []string{
	events.TopicFileRecorded,
	events.TopicForwardDelivered,
	events.TopicForwardDeadLettered,
}

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	sub      Subscriber
	topics   []string
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	broadcast chan Message

	mu      sync.RWMutex
	clients map[*Client]bool
	running bool
}

// NewHub creates a hub relaying topics from sub. allowedOrigins limits
// browser connections; empty allows same-origin only, "*" allows any.
func NewHub(sub Subscriber, topics []string, allowedOrigins []string, logger zerolog.Logger) *Hub {
	if len(topics) == 0 {
		topics = Topics
	}
	h := &Hub{
		sub:       sub,
		topics:    topics,
		logger:    logger.With().Str("component", "websocket-hub").Logger(),
		broadcast: make(chan Message, 256),
		clients:   make(map[*Client]bool),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

// Serve subscribes to every topic and relays until ctx is canceled. All
// clients are disconnected on return.
func (h *Hub) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, topic := range h.topics {
		msgs, err := h.sub.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go h.relay(ctx, topic, msgs)
	}

	h.setRunning(true)
	defer h.setRunning(false)
	h.logger.Info().Strs("topics", h.topics).Msg("Event stream started")

	for {
		select {
		case <-ctx.Done():
			n := h.closeAllClients()
			h.logger.Info().Int("clients_closed", n).Msg("Event stream stopped")
			return ctx.Err()
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) String() string { return "websocket-hub" }

// relay acks each bus message and queues it for broadcast. Events are
// dropped when the broadcast buffer is full.
func (h *Hub) relay(ctx context.Context, topic string, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			m.Ack()
			if !json.Valid(m.Payload) {
				h.logger.Warn().Str("topic", topic).Str("uuid", m.UUID).Msg("Dropping event with invalid payload")
				continue
			}
			if !h.Broadcast(Message{Type: topic, Data: json.RawMessage(m.Payload)}) {
				h.logger.Warn().Str("topic", topic).Msg("Broadcast buffer full, dropping event")
			}
		}
	}
}

// Broadcast queues msg for every client. It reports false when the buffer
// is full.
func (h *Hub) Broadcast(msg Message) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	c := newClient(h, conn)
	h.register(c)
	c.start()
}

func (h *Hub) setRunning(v bool) {
	h.mu.Lock()
	h.running = v
	h.mu.Unlock()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Uint64("client", c.id).Int("total_clients", n).Msg("Client connected")
}

// reply queues msg for c alone, dropping it if c's buffer is full.
func (h *Hub) reply(c *Client, msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Uint64("client", c.id).Int("total_clients", n).Msg("Client disconnected")
}

// broadcastToClients delivers in client id order. A client with a full
// buffer is dropped.
func (h *Hub) broadcastToClients(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.sortedLocked() {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
			h.logger.Warn().Uint64("client", c.id).Msg("Dropping slow client")
		}
	}
}

func (h *Hub) closeAllClients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.sortedLocked()
	for _, c := range clients {
		close(c.send)
		delete(h.clients, c)
	}
	return len(clients)
}

func (h *Hub) sortedLocked() []*Client {
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })
	return clients
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil // gorilla's same-origin check
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
