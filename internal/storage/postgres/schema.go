package postgres

import (
	"context"
	"fmt"
)

// Schema is the full DDL for the pipeline tables. EnsureSchema applies
// it idempotently on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS sections (
	code                TEXT        NOT NULL,
	section             TEXT        NOT NULL,
	url                 TEXT        NOT NULL DEFAULT '',
	content             TEXT        NOT NULL DEFAULT '',
	raw_content         TEXT        NOT NULL DEFAULT '',
	legislative_history TEXT        NOT NULL DEFAULT '',
	has_content         BOOLEAN     NOT NULL DEFAULT FALSE,
	content_length      INTEGER     NOT NULL DEFAULT 0,
	is_multi_version    BOOLEAN     NOT NULL DEFAULT FALSE,
	versions            JSONB,
	division            TEXT        NOT NULL DEFAULT '',
	part                TEXT        NOT NULL DEFAULT '',
	chapter             TEXT        NOT NULL DEFAULT '',
	article             TEXT        NOT NULL DEFAULT '',
	notes               TEXT        NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (code, section)
);

CREATE INDEX IF NOT EXISTS sections_incomplete_idx
	ON sections (code) WHERE NOT has_content AND NOT is_multi_version;

CREATE TABLE IF NOT EXISTS codes (
	code                 TEXT        PRIMARY KEY,
	full_name            TEXT        NOT NULL DEFAULT '',
	url                  TEXT        NOT NULL DEFAULT '',
	total_sections       INTEGER     NOT NULL DEFAULT 0,
	single_version_count INTEGER     NOT NULL DEFAULT 0,
	multi_version_count  INTEGER     NOT NULL DEFAULT 0,
	processed_sections   INTEGER     NOT NULL DEFAULT 0,
	stage1_completed     BOOLEAN     NOT NULL DEFAULT FALSE,
	stage2_completed     BOOLEAN     NOT NULL DEFAULT FALSE,
	stage3_completed     BOOLEAN     NOT NULL DEFAULT FALSE,
	stage1_started       TIMESTAMPTZ,
	stage1_finished      TIMESTAMPTZ,
	stage2_started       TIMESTAMPTZ,
	stage2_finished      TIMESTAMPTZ,
	stage3_started       TIMESTAMPTZ,
	stage3_finished      TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL,
	last_updated         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	code               TEXT        NOT NULL,
	stage              TEXT        NOT NULL,
	status             TEXT        NOT NULL,
	total_sections     INTEGER     NOT NULL DEFAULT 0,
	processed_sections INTEGER     NOT NULL DEFAULT 0,
	failed_sections    JSONB,
	current_batch      INTEGER     NOT NULL DEFAULT 0,
	total_batches      INTEGER     NOT NULL DEFAULT 0,
	batch_size         INTEGER     NOT NULL DEFAULT 0,
	workers            INTEGER     NOT NULL DEFAULT 0,
	started_at         TIMESTAMPTZ NOT NULL,
	last_updated       TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	error_text         TEXT        NOT NULL DEFAULT '',
	PRIMARY KEY (code, stage)
);

CREATE TABLE IF NOT EXISTS failed_sections (
	code             TEXT        NOT NULL,
	section          TEXT        NOT NULL,
	url              TEXT        NOT NULL DEFAULT '',
	failure_type     TEXT        NOT NULL,
	error_text       TEXT        NOT NULL DEFAULT '',
	stage            TEXT        NOT NULL DEFAULT '',
	batch_number     INTEGER     NOT NULL DEFAULT 0,
	is_multi_version BOOLEAN     NOT NULL DEFAULT FALSE,
	retry_status     TEXT        NOT NULL,
	retry_count      INTEGER     NOT NULL DEFAULT 0,
	attempts         JSONB,
	notes            TEXT        NOT NULL DEFAULT '',
	failed_at        TIMESTAMPTZ NOT NULL,
	last_retry_at    TIMESTAMPTZ,
	resolved_at      TIMESTAMPTZ,
	PRIMARY KEY (code, section)
);

CREATE TABLE IF NOT EXISTS failure_reports (
	code         TEXT        PRIMARY KEY,
	generated_at TIMESTAMPTZ NOT NULL,
	report       JSONB       NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT        PRIMARY KEY,
	code               TEXT        NOT NULL,
	status             TEXT        NOT NULL,
	stage              TEXT        NOT NULL DEFAULT '',
	total_sections     INTEGER     NOT NULL DEFAULT 0,
	processed_sections INTEGER     NOT NULL DEFAULT 0,
	failed_sections    INTEGER     NOT NULL DEFAULT 0,
	progress           DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_text         TEXT        NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ,
	finished_at        TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL,
	last_updated       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS jobs_created_idx ON jobs (created_at DESC);
`

// EnsureSchema creates all pipeline tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
