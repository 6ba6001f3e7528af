// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the required tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		// Create dedicated schema
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS formsync`,

		// 1) Tenants
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS formsync.organizations (
			id         UUID        PRIMARY KEY,
			name       TEXT        NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// 2) Form definitions (org-scoped, soft-deleted)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS formsync.forms (
			id         UUID        NOT NULL,
			org_id     UUID        NOT NULL,
			title      TEXT        NOT NULL,
			definition JSONB       NOT NULL,
			created_by TEXT        NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted    BOOLEAN     NOT NULL DEFAULT FALSE,
			PRIMARY KEY (id)
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_forms_org
			ON formsync.forms (org_id) WHERE NOT deleted`,

		// 3) Submitted responses. No unique constraint on source_item_id:
		// dedup of repeated submissions is explicitly the caller's problem.
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS formsync.form_responses (
			id               UUID        PRIMARY KEY,
			org_id           UUID        NOT NULL,
			form_id          UUID        NOT NULL,
			respondent_id    TEXT,
			respondent_email TEXT,
			completed        BOOLEAN     NOT NULL DEFAULT FALSE,
			answers          JSONB       NOT NULL,
			submitted_by     TEXT        NOT NULL,
			source_item_id   TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_form_responses_form
			ON formsync.form_responses (org_id, form_id)`,

		// 4) Media asset metadata (binary content lives in object storage)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS formsync.media_assets (
			id           UUID        PRIMARY KEY,
			org_id       UUID        NOT NULL,
			form_id      UUID,
			response_id  UUID,
			file_name    TEXT,
			content_type TEXT,
			size_bytes   BIGINT      NOT NULL DEFAULT 0,
			storage_path TEXT,
			deleted      BOOLEAN     NOT NULL DEFAULT FALSE,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// 5) Feedback/grievance intake
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS formsync.feedback (
			id           UUID        PRIMARY KEY,
			org_id       UUID        NOT NULL,
			project_ref  TEXT,
			category     TEXT,
			message      TEXT        NOT NULL,
			sensitive    BOOLEAN     NOT NULL DEFAULT FALSE,
			status       TEXT        NOT NULL DEFAULT 'open'
				CHECK (status IN ('open','acknowledged','resolved')),
			submitted_by TEXT        NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS idx_feedback_org
			ON formsync.feedback (org_id, status)`,
	}

	for _, migration := range migrations {
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run schema migration: %w", err)
		}
	}

	return nil
}
