// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package delivery

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink records deliveries in the structured log. It is useful for dry
// runs and as a destination while a real transport is being set up.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log transport for destination id.
func NewLogSink(id string, logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("destination", id).Logger()}
}

// Kind implements Transport.
func (l *LogSink) Kind() Kind {
	return KindLog
}

// Deliver logs req and returns the item id as reference.
func (l *LogSink) Deliver(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newError(ErrorCodeTimeout, err.Error(), err)
	}
	l.logger.Info().
		Str("item_id", req.ItemID).
		Str("schedule_id", req.ScheduleID).
		Str("sha256", req.ContentSHA256).
		Int64("size_bytes", req.SizeBytes).
		Str("source", req.SourceChannelID).
		Str("message_id", req.SourceMessageID).
		Int("attempt", req.Attempt).
		Msg("Forwarded file")
	return req.ItemID, nil
}
