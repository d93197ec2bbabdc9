// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

// Package events publishes archive notifications on a Watermill bus.
//
// Events are notifications only. The store remains the authority for every
// state they describe, and a subscriber that misses an event can always
// recover the state from the archive. Two backends are supported:
//   - gochannel: in-process fan-out, the default for single binaries
//   - nats: NATS JetStream, optionally served by an embedded server
package events

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Topics.
const (
	TopicFileRecorded        = "archivist.file.recorded"
	TopicForwardDelivered    = "archivist.forward.delivered"
	TopicForwardDeadLettered = "archivist.forward.dead_lettered"
)

// FileRecorded is published after every accepted submission, including
// exact duplicates.
type FileRecorded struct {
	EventID         string    `json:"event_id"`
	ContentSHA256   string    `json:"content_sha256"`
	Status          string    `json:"status"`
	SizeBytes       int64     `json:"size_bytes"`
	MimeHint        string    `json:"mime_hint,omitempty"`
	SourceChannelID string    `json:"source_channel_id"`
	SourceMessageID string    `json:"source_message_id"`
	CategoryID      string    `json:"category_id,omitempty"`
	Enqueued        []string  `json:"enqueued,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// ForwardResult is published when a queue item reaches a terminal state.
type ForwardResult struct {
	EventID       string    `json:"event_id"`
	ItemID        string    `json:"item_id"`
	ScheduleID    string    `json:"schedule_id"`
	DestinationID string    `json:"destination_id"`
	ContentSHA256 string    `json:"content_sha256"`
	State         string    `json:"state"`
	AttemptCount  int       `json:"attempt_count"`
	LastError     string    `json:"last_error,omitempty"`
	DeliveryRef   string    `json:"delivery_ref,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Topic returns the topic for the result's state, or "" when the state is
// not announced.
func (r ForwardResult) Topic() string {
	switch r.State {
	case "delivered":
		return TopicForwardDelivered
	case "dead_lettered":
		return TopicForwardDeadLettered
	default:
		return ""
	}
}

func newEventID() string {
	return uuid.NewString()
}

// Decode unmarshals a message payload into v.
func Decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}
