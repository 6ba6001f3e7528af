// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SubmitFeedback stores a new feedback/grievance entry for the organization
// and returns its generated id.
func (s *SyncService) SubmitFeedback(ctx context.Context, orgID, userID string, entry *FeedbackEntry) (string, error) {
	if strings.TrimSpace(entry.Message) == "" {
		return "", fmt.Errorf("%w: feedback message required", ErrBadPayload)
	}

	id := uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO formsync.feedback (id, org_id, project_ref, category, message, sensitive, submitted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, orgID, entry.ProjectRef, entry.Category, entry.Message, entry.Sensitive, userID)
	if err != nil {
		return "", fmt.Errorf("failed to insert feedback: %w", err)
	}
	return id, nil
}

// ListFeedback returns the organization's feedback entries, newest first.
// An empty status lists all entries.
func (s *SyncService) ListFeedback(ctx context.Context, orgID, status string) ([]FeedbackEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(project_ref, ''), COALESCE(category, ''), message, sensitive, status, submitted_by, created_at
		FROM formsync.feedback
		WHERE org_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
	`, orgID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var entries []FeedbackEntry
	for rows.Next() {
		var e FeedbackEntry
		if err := rows.Scan(&e.ID, &e.ProjectRef, &e.Category, &e.Message, &e.Sensitive, &e.Status, &e.SubmittedBy, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feedback: %w", err)
	}
	return entries, nil
}

// UpdateFeedbackStatus moves a feedback entry through its lifecycle.
func (s *SyncService) UpdateFeedbackStatus(ctx context.Context, orgID, feedbackID, status string) error {
	switch status {
	case FeedbackOpen, FeedbackAcknowledged, FeedbackResolved:
	default:
		return fmt.Errorf("%w: invalid feedback status %q", ErrBadPayload, status)
	}

	res, err := s.pool.Exec(ctx, `
		UPDATE formsync.feedback SET status = $1, updated_at = now()
		WHERE org_id = $2 AND id = $3
	`, status, orgID, feedbackID)
	if err != nil {
		return fmt.Errorf("failed to update feedback status: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: feedback %s", ErrBadPayload, feedbackID)
	}
	return nil
}
