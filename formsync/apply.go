// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// applyItemInTx materializes one queued offline operation. Must run inside a
// transaction owned by the caller; validateItem has already accepted the item.
func (s *SyncService) applyItemInTx(ctx context.Context, tx pgx.Tx, orgID, userID string, item *SyncItem) error {
	switch item.Type {
	case ItemFormResponse:
		var p FormResponsePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return s.insertResponseInTx(ctx, tx, orgID, userID, item.ID, &p)

	case ItemFormCreate:
		var p FormPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return s.upsertFormInTx(ctx, tx, orgID, userID, &p.Form, false)

	case ItemFormUpdate:
		var p FormPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return s.upsertFormInTx(ctx, tx, orgID, userID, &p.Form, true)

	case ItemFormDelete:
		var p FormDeletePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return s.deleteFormInTx(ctx, tx, orgID, p.FormID)

	case ItemMediaUpload:
		var p MediaPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return s.insertMediaInTx(ctx, tx, orgID, &p)

	case ItemMediaDelete:
		var p MediaPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return s.deleteMediaInTx(ctx, tx, orgID, p.ID)

	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, item.Type)
	}
}

// insertResponseInTx stores a form response after verifying the target form
// exists for this org. sourceItemID links the row back to the offline queue
// item it came from (empty for the direct online path).
func (s *SyncService) insertResponseInTx(ctx context.Context, tx pgx.Tx, orgID, userID, sourceItemID string, p *FormResponsePayload) error {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM formsync.forms WHERE org_id = $1 AND id = $2 AND NOT deleted)
	`, orgID, p.FormID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check form existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: form %s", ErrUnknownForm, p.FormID)
	}

	answers, err := json.Marshal(p.Answers)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal answers: %v", ErrBadPayload, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO formsync.form_responses
			(id, org_id, form_id, respondent_id, respondent_email, completed, answers, submitted_by, source_item_id)
		VALUES (@id, @org_id, @form_id, @respondent_id, @respondent_email, @completed, @answers, @submitted_by, @source_item_id)
	`, pgx.NamedArgs{
		"id":               uuid.New().String(),
		"org_id":           orgID,
		"form_id":          p.FormID,
		"respondent_id":    p.RespondentID,
		"respondent_email": p.RespondentEmail,
		"completed":        p.Completed,
		"answers":          answers,
		"submitted_by":     userID,
		"source_item_id":   sourceItemID,
	})
	if err != nil {
		return fmt.Errorf("failed to insert form response: %w", err)
	}
	return nil
}

// upsertFormInTx creates or replaces a form definition. mustExist enforces
// UPDATE semantics (fail when the form is unknown to this org).
func (s *SyncService) upsertFormInTx(ctx context.Context, tx pgx.Tx, orgID, userID string, form *FormDefinition, mustExist bool) error {
	definition, err := json.Marshal(form)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal form definition: %v", ErrBadPayload, err)
	}

	if mustExist {
		tag, err := tx.Exec(ctx, `
			UPDATE formsync.forms
			SET title = $1, definition = $2, updated_at = now()
			WHERE org_id = $3 AND id = $4 AND NOT deleted
		`, form.Title, definition, orgID, form.ID)
		if err != nil {
			return fmt.Errorf("failed to update form: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: form %s", ErrUnknownForm, form.ID)
		}
		return nil
	}

	// Create path upserts: an offline form_create replayed after a successful
	// earlier attempt lands on the same id and simply rewrites the definition.
	// The DO UPDATE WHERE clause keeps the rewrite org-scoped; when the id
	// already belongs to another org no row is touched and the item must fail
	// rather than be acknowledged as applied.
	tag, err := tx.Exec(ctx, `
		INSERT INTO formsync.forms (id, org_id, title, definition, created_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title, definition = EXCLUDED.definition, updated_at = now()
		WHERE formsync.forms.org_id = EXCLUDED.org_id
	`, form.ID, orgID, form.Title, definition, userID)
	if err != nil {
		return fmt.Errorf("failed to insert form: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: form id %s belongs to another organization", ErrBadPayload, form.ID)
	}
	return nil
}

// deleteFormInTx soft-deletes a form, org-scoped.
func (s *SyncService) deleteFormInTx(ctx context.Context, tx pgx.Tx, orgID, formID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE formsync.forms SET deleted = TRUE, updated_at = now()
		WHERE org_id = $1 AND id = $2 AND NOT deleted
	`, orgID, formID)
	if err != nil {
		return fmt.Errorf("failed to delete form: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: form %s", ErrUnknownForm, formID)
	}
	return nil
}

// insertMediaInTx records media asset metadata.
func (s *SyncService) insertMediaInTx(ctx context.Context, tx pgx.Tx, orgID string, p *MediaPayload) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO formsync.media_assets
			(id, org_id, form_id, response_id, file_name, content_type, size_bytes, storage_path)
		VALUES (@id, @org_id, NULLIF(@form_id, '')::uuid, NULLIF(@response_id, '')::uuid, @file_name, @content_type, @size_bytes, @storage_path)
		ON CONFLICT (id) DO NOTHING
	`, pgx.NamedArgs{
		"id":           p.ID,
		"org_id":       orgID,
		"form_id":      p.FormID,
		"response_id":  p.ResponseID,
		"file_name":    p.FileName,
		"content_type": p.ContentType,
		"size_bytes":   p.SizeBytes,
		"storage_path": p.StoragePath,
	})
	if err != nil {
		return fmt.Errorf("failed to insert media asset: %w", err)
	}
	return nil
}

// deleteMediaInTx soft-deletes a media asset, org-scoped.
func (s *SyncService) deleteMediaInTx(ctx context.Context, tx pgx.Tx, orgID, mediaID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE formsync.media_assets SET deleted = TRUE
		WHERE org_id = $1 AND id = $2
	`, orgID, mediaID)
	if err != nil {
		return fmt.Errorf("failed to delete media asset: %w", err)
	}
	return nil
}
