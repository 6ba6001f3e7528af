// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService provides the remote form/response service that offline clients
// drain their queues into. Every operation is scoped to the calling
// organization; tenants never observe each other's rows.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName          string // Application name for connection tracking
	MaxSyncBatchSize int    // Maximum number of items in a single sync upload (0 = unlimited)
	MaxPayloadBytes  int    // Maximum JSON payload size per item in bytes (0 = unlimited)
}

// NewSyncService creates a new sync service instance from an existing pool.
// This is the main entry point for SDK users who already have a connection pool.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{
			AppName: "go-formsync-app",
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:   pool,
		logger: logger,
		config: config,
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if err := service.initializeSchemaInTx(ctx, tx); err != nil {
			logger.Error("Failed to initialize database schema", "error", err)
			return err
		}
		logger.Debug("Database schema initialized successfully")
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

// Close gracefully shuts down the sync service.
// It's safe to call multiple times.
// Note: This does NOT close the database pool - the caller is responsible for pool lifecycle.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}

// ProcessSync applies a whole-queue batch upload for one organization.
//
// Items are applied in request order, each in its own transaction, so one bad
// item never aborts the rest of the batch. The response partitions the batch:
// items absent from FailedItems were applied; failed items echo the client's
// item id so the client can retain exactly those in its queue.
func (s *SyncService) ProcessSync(ctx context.Context, orgID, userID string, req *SyncUploadRequest) (*SyncUploadResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("sync request cannot be nil")
	}
	if s.config.MaxSyncBatchSize > 0 && len(req.Items) > s.config.MaxSyncBatchSize {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit %d", ErrPayloadTooLarge, len(req.Items), s.config.MaxSyncBatchSize)
	}

	resp := &SyncUploadResponse{}
	for i := range req.Items {
		item := &req.Items[i]

		if err := s.validateItem(item); err != nil {
			s.logger.Warn("Rejected sync item", "item_id", item.ID, "type", item.Type, "error", err)
			resp.FailedItems = append(resp.FailedItems, FailedSyncItem{
				ID:      item.ID,
				Reason:  failureReason(err),
				Message: err.Error(),
			})
			continue
		}

		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return s.applyItemInTx(ctx, tx, orgID, userID, item)
		})
		if err != nil {
			s.logger.Warn("Failed to apply sync item", "item_id", item.ID, "type", item.Type, "error", err)
			resp.FailedItems = append(resp.FailedItems, FailedSyncItem{
				ID:      item.ID,
				Reason:  failureReason(err),
				Message: err.Error(),
			})
			continue
		}
		resp.Applied++
	}

	resp.Success = len(resp.FailedItems) == 0
	return resp, nil
}

// CreateForm stores a new form definition for the organization.
func (s *SyncService) CreateForm(ctx context.Context, orgID, userID string, form *FormDefinition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.upsertFormInTx(ctx, tx, orgID, userID, form, false)
	})
}

// UpdateForm replaces the stored definition of an existing form.
func (s *SyncService) UpdateForm(ctx context.Context, orgID, userID string, form *FormDefinition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.upsertFormInTx(ctx, tx, orgID, userID, form, true)
	})
}

// DeleteForm soft-deletes a form. Responses already submitted are retained.
func (s *SyncService) DeleteForm(ctx context.Context, orgID, formID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.deleteFormInTx(ctx, tx, orgID, formID)
	})
}

// GetForm loads a form definition, org-scoped.
func (s *SyncService) GetForm(ctx context.Context, orgID, formID string) (*FormDefinition, error) {
	var def FormDefinition
	err := s.pool.QueryRow(ctx, `
		SELECT definition FROM formsync.forms
		WHERE org_id = $1 AND id = $2 AND NOT deleted
	`, orgID, formID).Scan(&def)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: form %s", ErrUnknownForm, formID)
		}
		return nil, fmt.Errorf("failed to load form %s: %w", formID, err)
	}
	return &def, nil
}

// SubmitResponse stores a single form response directly (online path).
func (s *SyncService) SubmitResponse(ctx context.Context, orgID, userID string, payload *FormResponsePayload) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.insertResponseInTx(ctx, tx, orgID, userID, "", payload)
	})
}
