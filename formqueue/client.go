// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

// Package formqueue provides the offline-first client for go-formsync:
// a durable queue of pending form operations, a network presence monitor,
// and a drainer that batches the queue to the remote service when
// connectivity returns.
package formqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldworks/go-formsync/formsync"
)

// ErrMediaOffline is returned when a media upload is attempted without
// connectivity. Binary content is never queued locally, so the operation
// cannot be deferred.
var ErrMediaOffline = errors.New("media upload requires connectivity")

// Config holds configuration for the offline sync client
type Config struct {
	MaxRetries int // Retry ceiling per item (default 3)
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{MaxRetries: DefaultMaxRetries}
}

// SubmitResult is the outcome of a direct operation: either delivered to the
// server, or queued for a later drain.
type SubmitResult struct {
	Delivered bool   // Reached the server
	Queued    bool   // Parked in the offline queue
	ItemID    string // Queue item id when Queued
}

// SyncStatus is derived, never persisted: recomputed from the queue and the
// network state on every call.
type SyncStatus struct {
	Online       bool      `json:"online"`
	Syncing      bool      `json:"syncing"`
	LastSyncTime time.Time `json:"last_sync_time"`
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	Progress     int       `json:"progress"` // 0-100
}

// Client drains the offline queue into the remote form/response service.
type Client struct {
	Store    *Store
	Monitor  *Monitor
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	HTTP     *http.Client
	config   *Config
	logger   *slog.Logger
	migrator *Migrator
	writeMu  sync.Mutex // Serialize drains; concurrent enqueues go through the store lock

	syncing    int32
	mu         sync.Mutex
	lastSync   time.Time
	drainTotal int // queue size when the last drain started, for progress
}

// NewClient creates an offline sync client on top of a local storage.
// Any previously persisted queue is loaded immediately.
func NewClient(storage Storage, baseURL string, tok func(ctx context.Context) (string, error), config *Config, logger *slog.Logger) (*Client, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if tok == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		Store:   NewStore(storage, logger),
		Monitor: NewMonitor(true),
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
		config:  config,
		logger:  logger,
	}
	client.migrator = NewMigrator(remoteFormResolver{client}, logger)

	return client, nil
}

// Start wires queue draining to network transitions: whenever connectivity
// returns and items are waiting, a drain runs. The handler stops firing when
// ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	c.Monitor.Notify(func(online bool) {
		if !online || ctx.Err() != nil {
			return
		}
		if c.Store.Len() == 0 {
			return
		}
		if err := c.ProcessQueue(ctx); err != nil {
			c.logger.Warn("Queue drain after reconnect failed", "error", err)
		}
	})
}

// Migrator exposes the response migrator (e.g., to prime its form cache).
func (c *Client) Migrator() *Migrator {
	return c.migrator
}

// Status derives the current sync status.
func (c *Client) Status() SyncStatus {
	pending, failed := c.Store.Counts()

	c.mu.Lock()
	lastSync := c.lastSync
	total := c.drainTotal
	c.mu.Unlock()

	progress := 100
	if total > 0 && pending > 0 {
		done := total - pending
		if done < 0 {
			done = 0
		}
		progress = done * 100 / total
	} else if pending > 0 {
		progress = 0
	}

	return SyncStatus{
		Online:       c.Monitor.Online(),
		Syncing:      atomic.LoadInt32(&c.syncing) == 1,
		LastSyncTime: lastSync,
		PendingCount: pending,
		FailedCount:  failed,
		Progress:     progress,
	}
}

// FailedItems returns the items that wait for a manual retry.
func (c *Client) FailedItems() []QueueItem {
	return c.Store.Failed()
}

// ClearQueue drops every queued item, pending and failed alike.
func (c *Client) ClearQueue() {
	c.Store.Clear()
}

// ProcessQueue drains the pending queue in one batch call.
//
// No-op while offline or with nothing pending. Form responses are migrated to
// the current answer shape first (other item types pass through untouched).
// On full success the pending items leave the queue and the sync time is
// recorded; on partial failure the queue keeps exactly the items the server
// echoed back as failed (matched by id), plus any previously failed items.
// A transient failure leaves the item's retry count untouched; a permanent
// one (bad payload, unknown form) parks the item at the ceiling so only a
// manual retry resubmits it.
func (c *Client) ProcessQueue(ctx context.Context) error {
	if !c.Monitor.Online() {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	pending := c.Store.Pending()
	if len(pending) == 0 {
		return nil
	}

	atomic.StoreInt32(&c.syncing, 1)
	defer atomic.StoreInt32(&c.syncing, 0)

	c.mu.Lock()
	c.drainTotal = len(pending)
	c.mu.Unlock()

	// Migrate legacy-shaped responses before upload. Other item types pass
	// through untouched.
	for i := range pending {
		if p, ok := pending[i].FormResponse(); ok {
			pending[i].Payload = c.migrator.MigrateResponse(ctx, p)
		}
	}

	drained := make(map[string]QueueItem, len(pending))
	req := &formsync.SyncUploadRequest{Items: make([]formsync.SyncItem, 0, len(pending))}
	for i := range pending {
		wire, err := pending[i].toSyncItem()
		if err != nil {
			// Unserializable items can never succeed; park them for manual
			// inspection instead of wedging the drain.
			c.logger.Error("Skipping unserializable queue item", "item_id", pending[i].ID, "error", err)
			pending[i].RetryCount = pending[i].MaxRetries
		} else {
			req.Items = append(req.Items, wire)
		}
		drained[pending[i].ID] = pending[i]
	}

	resp, err := c.sendSyncRequest(ctx, req)
	if err != nil {
		// The whole batch call failed; every item stays queued.
		return fmt.Errorf("failed to sync offline queue: %w", err)
	}

	failedInfo := make(map[string]formsync.FailedSyncItem, len(resp.FailedItems))
	for _, fi := range resp.FailedItems {
		failedInfo[fi.ID] = fi
	}

	// Reconcile under the store lock so items enqueued while the batch call
	// was in flight are kept: previously failed and freshly enqueued items
	// are retained untouched, drained items survive only if the server echoed
	// them back as failed.
	c.Store.Reconcile(drained, func(item QueueItem) (QueueItem, bool) {
		if item.Failed() {
			return item, true // parked as unserializable above
		}
		fi, stillFailed := failedInfo[item.ID]
		if !stillFailed {
			return QueueItem{}, false // applied by the server
		}
		item.LastError = fi.Reason
		if !formsync.IsTransientReason(fi.Reason) {
			item.RetryCount = item.MaxRetries
			c.logger.Warn("Item rejected permanently, manual retry required",
				"item_id", item.ID, "reason", fi.Reason, "message", fi.Message)
		}
		return item, true
	})

	c.mu.Lock()
	c.lastSync = time.Now().UTC()
	c.mu.Unlock()

	if !resp.Success {
		c.logger.Info("Queue drain completed with failures",
			"applied", resp.Applied, "failed", len(resp.FailedItems))
	}
	return nil
}

// RetryFailed resets the retry count on every failed item and drains the
// queue again. Enqueue timestamps are preserved.
func (c *Client) RetryFailed(ctx context.Context) error {
	if c.Store.ResetFailed() == 0 {
		return nil
	}
	return c.ProcessQueue(ctx)
}

// CreateForm creates a form remotely, or queues a form_create item when
// offline or when the remote call fails.
func (c *Client) CreateForm(ctx context.Context, form *formsync.FormDefinition) (*SubmitResult, error) {
	payload := &formsync.FormPayload{Form: *form}
	if !c.Monitor.Online() {
		return c.enqueueResult(formsync.ItemFormCreate, payload), nil
	}
	if err := c.postJSON(ctx, "/forms", payload.Form); err != nil {
		c.logger.Warn("Remote form create failed, queueing", "form_id", form.ID, "error", err)
		return c.enqueueResult(formsync.ItemFormCreate, payload), nil
	}
	c.migrator.CacheForm(form)
	return &SubmitResult{Delivered: true}, nil
}

// UpdateForm updates a form remotely, or queues a form_update item.
func (c *Client) UpdateForm(ctx context.Context, form *formsync.FormDefinition) (*SubmitResult, error) {
	payload := &formsync.FormPayload{Form: *form}
	if !c.Monitor.Online() {
		return c.enqueueResult(formsync.ItemFormUpdate, payload), nil
	}
	if err := c.sendJSON(ctx, http.MethodPut, "/forms", payload.Form); err != nil {
		c.logger.Warn("Remote form update failed, queueing", "form_id", form.ID, "error", err)
		return c.enqueueResult(formsync.ItemFormUpdate, payload), nil
	}
	c.migrator.CacheForm(form)
	return &SubmitResult{Delivered: true}, nil
}

// DeleteForm deletes a form remotely, or queues a form_delete item.
func (c *Client) DeleteForm(ctx context.Context, formID string) (*SubmitResult, error) {
	payload := &formsync.FormDeletePayload{FormID: formID}
	if !c.Monitor.Online() {
		return c.enqueueResult(formsync.ItemFormDelete, payload), nil
	}
	if err := c.sendJSON(ctx, http.MethodDelete, "/forms?id="+url.QueryEscape(formID), nil); err != nil {
		c.logger.Warn("Remote form delete failed, queueing", "form_id", formID, "error", err)
		return c.enqueueResult(formsync.ItemFormDelete, payload), nil
	}
	return &SubmitResult{Delivered: true}, nil
}

// SubmitResponse submits a form response remotely, or queues a
// form_response item. Submission never hard-fails: an unreachable server
// parks the response for the next drain.
func (c *Client) SubmitResponse(ctx context.Context, payload *formsync.FormResponsePayload) (*SubmitResult, error) {
	if !c.Monitor.Online() {
		return c.enqueueResult(formsync.ItemFormResponse, payload), nil
	}
	if err := c.postJSON(ctx, "/responses", payload); err != nil {
		c.logger.Warn("Remote response submit failed, queueing", "form_id", payload.FormID, "error", err)
		return c.enqueueResult(formsync.ItemFormResponse, payload), nil
	}
	return &SubmitResult{Delivered: true}, nil
}

// UploadMedia registers media asset metadata remotely. Media refuses to
// operate offline: binary content has no durable local representation, so
// unlike every other operation this one returns an error instead of queueing.
func (c *Client) UploadMedia(ctx context.Context, media *formsync.MediaPayload) error {
	if !c.Monitor.Online() {
		return ErrMediaOffline
	}
	if err := c.postJSON(ctx, "/media", media); err != nil {
		return fmt.Errorf("failed to upload media %s: %w", media.ID, err)
	}
	return nil
}

// DeleteMedia deletes a media asset remotely, or queues a media_delete item
// (id-only, so it queues fine).
func (c *Client) DeleteMedia(ctx context.Context, mediaID string) (*SubmitResult, error) {
	payload := &formsync.MediaPayload{ID: mediaID}
	if !c.Monitor.Online() {
		return c.enqueueResult(formsync.ItemMediaDelete, payload), nil
	}
	if err := c.sendJSON(ctx, http.MethodDelete, "/media?id="+url.QueryEscape(mediaID), nil); err != nil {
		c.logger.Warn("Remote media delete failed, queueing", "media_id", mediaID, "error", err)
		return c.enqueueResult(formsync.ItemMediaDelete, payload), nil
	}
	return &SubmitResult{Delivered: true}, nil
}

// FetchForm loads a form definition from the server and caches it for the
// migrator.
func (c *Client) FetchForm(ctx context.Context, formID string) (*formsync.FormDefinition, error) {
	body, err := c.getJSON(ctx, "/forms?id="+url.QueryEscape(formID))
	if err != nil {
		return nil, err
	}
	var form formsync.FormDefinition
	if err := json.Unmarshal(body, &form); err != nil {
		return nil, fmt.Errorf("failed to decode form %s: %w", formID, err)
	}
	c.migrator.CacheForm(&form)
	return &form, nil
}

func (c *Client) enqueueResult(itemType string, payload any) *SubmitResult {
	item := c.Store.Enqueue(itemType, payload)
	return &SubmitResult{Queued: true, ItemID: item.ID}
}

// sendSyncRequest posts the whole batch to the sync endpoint.
func (c *Client) sendSyncRequest(ctx context.Context, req *formsync.SyncUploadRequest) (*formsync.SyncUploadResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/offline", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var syncResp formsync.SyncUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&syncResp); err != nil {
		return nil, fmt.Errorf("failed to decode sync response: %w", err)
	}
	return &syncResp, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, v any) error {
	return c.sendJSON(ctx, http.MethodPost, path, v)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, v any) error {
	var body io.Reader
	if v != nil {
		jsonData, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return err
	}
	if v != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if err := c.authorize(ctx, httpReq); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// remoteFormResolver adapts the client's form fetch for the migrator.
type remoteFormResolver struct {
	client *Client
}

func (r remoteFormResolver) ResolveForm(ctx context.Context, formID string) (*formsync.FormDefinition, error) {
	if !r.client.Monitor.Online() {
		return nil, fmt.Errorf("offline: cannot fetch form %s", formID)
	}
	return r.client.FetchForm(ctx, formID)
}
