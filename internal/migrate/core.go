// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package migrate

// CoreMigrations returns the Archivist schema. Timestamps are INTEGER unix
// nanoseconds in UTC.
func CoreMigrations() []Migration {
	return []Migration{
		{ID: 1, Name: "file_identity", SQL: fileIdentitySQL},
		{ID: 2, Name: "categories", SQL: categoriesSQL},
		{ID: 3, Name: "forward_queue", SQL: forwardQueueSQL},
		{ID: 4, Name: "forward_delivery_ref", SQL: forwardDeliveryRefSQL},
		{ID: 5, Name: "dispatch_log", SQL: dispatchLogSQL},
	}
}

const fileIdentitySQL = `
CREATE TABLE file_records (
	content_sha256    TEXT    PRIMARY KEY CHECK (length(content_sha256) = 64),
	size_bytes        INTEGER NOT NULL CHECK (size_bytes >= 0),
	first_seen_at     INTEGER NOT NULL,
	source_channel_id TEXT    NOT NULL,
	source_message_id TEXT    NOT NULL,
	mime_hint         TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX idx_file_records_first_seen ON file_records (first_seen_at);

CREATE TABLE perceptual_hashes (
	content_sha256 TEXT    NOT NULL REFERENCES file_records (content_sha256),
	algorithm      TEXT    NOT NULL,
	digest         TEXT    NOT NULL,
	computed_at    INTEGER NOT NULL,
	PRIMARY KEY (content_sha256, algorithm)
);
CREATE INDEX idx_perceptual_hashes_algorithm ON perceptual_hashes (algorithm);

CREATE TABLE fuzzy_hashes (
	content_sha256 TEXT    NOT NULL REFERENCES file_records (content_sha256),
	algorithm      TEXT    NOT NULL,
	digest         TEXT    NOT NULL,
	computed_at    INTEGER NOT NULL,
	PRIMARY KEY (content_sha256, algorithm)
);
CREATE INDEX idx_fuzzy_hashes_algorithm ON fuzzy_hashes (algorithm);
`

const categoriesSQL = `
CREATE TABLE category_assignments (
	assignment_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	content_sha256 TEXT    NOT NULL REFERENCES file_records (content_sha256),
	category_id    TEXT    NOT NULL,
	assigned_at    INTEGER NOT NULL,
	confidence     REAL    NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	source         TEXT    NOT NULL DEFAULT '',
	signals        TEXT    NOT NULL DEFAULT '{}'
);
CREATE INDEX idx_category_assignments_sha ON category_assignments (content_sha256, assignment_id);

CREATE TABLE active_categories (
	content_sha256 TEXT    PRIMARY KEY REFERENCES file_records (content_sha256),
	assignment_id  INTEGER NOT NULL REFERENCES category_assignments (assignment_id),
	category_id    TEXT    NOT NULL,
	size_bytes     INTEGER NOT NULL
);
CREATE INDEX idx_active_categories_category ON active_categories (category_id);

CREATE TABLE category_stats (
	category_id      TEXT    PRIMARY KEY,
	file_count       INTEGER NOT NULL DEFAULT 0 CHECK (file_count >= 0),
	total_bytes      INTEGER NOT NULL DEFAULT 0 CHECK (total_bytes >= 0),
	last_assigned_at INTEGER NOT NULL DEFAULT 0
);
`

const forwardQueueSQL = `
CREATE TABLE forward_schedules (
	schedule_id    TEXT    PRIMARY KEY,
	source_id      TEXT    NOT NULL,
	destination_id TEXT    NOT NULL,
	trigger_spec   TEXT    NOT NULL DEFAULT 'on_ingest',
	criteria       TEXT    NOT NULL DEFAULT '{}',
	enabled        INTEGER NOT NULL DEFAULT 1 CHECK (enabled IN (0, 1)),
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	last_swept_at  INTEGER NOT NULL DEFAULT 0,
	next_sweep_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_forward_schedules_source ON forward_schedules (source_id, enabled);

CREATE TABLE forward_queue (
	item_id         TEXT    PRIMARY KEY,
	content_sha256  TEXT    NOT NULL REFERENCES file_records (content_sha256),
	schedule_id     TEXT    NOT NULL REFERENCES forward_schedules (schedule_id),
	state           TEXT    NOT NULL CHECK (state IN ('pending', 'in_flight', 'delivered', 'failed', 'dead_lettered')),
	attempt_count   INTEGER NOT NULL DEFAULT 0 CHECK (attempt_count >= 0),
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT    NOT NULL DEFAULT '',
	enqueued_at     INTEGER NOT NULL,
	not_before      INTEGER NOT NULL DEFAULT 0,
	claimed_at      INTEGER NOT NULL DEFAULT 0,
	claimed_by      TEXT    NOT NULL DEFAULT '',
	updated_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX idx_forward_queue_open_pair
	ON forward_queue (content_sha256, schedule_id)
	WHERE state IN ('pending', 'in_flight', 'failed');
CREATE INDEX idx_forward_queue_ready ON forward_queue (state, not_before, enqueued_at);
CREATE INDEX idx_forward_queue_schedule ON forward_queue (schedule_id, state);

CREATE TABLE forward_stats (
	schedule_id       TEXT    PRIMARY KEY REFERENCES forward_schedules (schedule_id),
	pending           INTEGER NOT NULL DEFAULT 0 CHECK (pending >= 0),
	in_flight         INTEGER NOT NULL DEFAULT 0 CHECK (in_flight >= 0),
	delivered         INTEGER NOT NULL DEFAULT 0,
	failed_attempts   INTEGER NOT NULL DEFAULT 0,
	dead_lettered     INTEGER NOT NULL DEFAULT 0,
	terminal_items    INTEGER NOT NULL DEFAULT 0,
	terminal_attempts INTEGER NOT NULL DEFAULT 0
);
`

const forwardDeliveryRefSQL = `
ALTER TABLE forward_queue ADD COLUMN delivery_ref TEXT NOT NULL DEFAULT '';
`

// dispatch_log marks a file as handed to the on-ingest schedules. seq is
// assigned under the write lock, so it follows commit order and serves as
// the cron sweep cursor. Files already stored count as dispatched.
const dispatchLogSQL = `
CREATE TABLE dispatch_log (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	content_sha256 TEXT    NOT NULL UNIQUE REFERENCES file_records (content_sha256),
	dispatched_at  INTEGER NOT NULL
);
INSERT INTO dispatch_log (content_sha256, dispatched_at)
	SELECT content_sha256, first_seen_at FROM file_records ORDER BY first_seen_at, content_sha256;

ALTER TABLE forward_schedules ADD COLUMN last_swept_seq INTEGER NOT NULL DEFAULT 0;
UPDATE forward_schedules SET last_swept_seq = COALESCE((
	SELECT MAX(d.seq) FROM dispatch_log d
	JOIN file_records f ON f.content_sha256 = d.content_sha256
	WHERE f.first_seen_at <= forward_schedules.last_swept_at), 0);
`
