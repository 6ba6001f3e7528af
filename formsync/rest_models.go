// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formsync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for HTTP API requests and responses
// These models are used for serialization/deserialization of HTTP requests and responses

// SyncItem represents a single queued offline operation in an upload request.
// Note: org and user identity are derived from JWT claims, not from the body.
type SyncItem struct {
	ID         string          `json:"id"`          // Client-generated opaque id (echoed back on failure)
	Type       string          `json:"type"`        // One of the Item* constants
	Payload    json.RawMessage `json:"payload"`     // Shape depends on Type
	EnqueuedAt time.Time       `json:"enqueued_at"` // Advisory; FIFO comes from slice order
	RetryCount int             `json:"retry_count"`
}

// SyncUploadRequest represents a whole-queue batch upload from a client
type SyncUploadRequest struct {
	Items []SyncItem `json:"items"`
}

// FailedSyncItem identifies one item the server could not apply.
// Items are matched back to the client queue by ID.
type FailedSyncItem struct {
	ID      string `json:"id"`
	Reason  string `json:"reason"`            // One of the Reason* constants
	Message string `json:"message,omitempty"` // Optional details
}

// SyncUploadResponse represents the server response to a batch upload
type SyncUploadResponse struct {
	Success     bool             `json:"success"` // True when every item applied
	Applied     int              `json:"applied"`
	FailedItems []FailedSyncItem `json:"failed_items,omitempty"`
}

// FormResponsePayload is the payload shape for form_response items.
// Answers may still be in the legacy flat shape; clients migrate before
// upload, but the server accepts either.
type FormResponsePayload struct {
	FormID          string         `json:"form_id"`
	RespondentID    string         `json:"respondent_id,omitempty"`
	RespondentEmail string         `json:"respondent_email,omitempty"`
	Completed       bool           `json:"completed"`
	Answers         map[string]any `json:"answers"`
}

// FormPayload is the payload shape for form_create and form_update items.
type FormPayload struct {
	Form FormDefinition `json:"form"`
}

// FormDeletePayload is the payload shape for form_delete items.
type FormDeletePayload struct {
	FormID string `json:"form_id"`
}

// MediaPayload is the payload shape for media_upload and media_delete items.
// Binary content is never queued; media_upload carries metadata for an asset
// already placed in storage.
type MediaPayload struct {
	ID          string `json:"id"`
	FormID      string `json:"form_id,omitempty"`
	ResponseID  string `json:"response_id,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	StoragePath string `json:"storage_path,omitempty"`
}

// FormDefinition is the stored shape of a form.
type FormDefinition struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Sections    []FormSection `json:"sections"`
}

// FormSection groups questions.
type FormSection struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Questions []FormQuestion `json:"questions"`
}

// FormQuestion is a single question. Options may declare conditional
// sub-questions that only apply when the option is selected.
type FormQuestion struct {
	ID       string           `json:"id"`
	Label    string           `json:"label,omitempty"`
	Type     string           `json:"type,omitempty"` // text, number, select, etc.
	Required bool             `json:"required,omitempty"`
	Options  []QuestionOption `json:"options,omitempty"`
}

// QuestionOption is one selectable option, optionally owning conditional
// sub-questions.
type QuestionOption struct {
	Value     string         `json:"value"`
	Label     string         `json:"label,omitempty"`
	Questions []FormQuestion `json:"questions,omitempty"`
}

// FeedbackEntry is a feedback/grievance intake record.
type FeedbackEntry struct {
	ID          string    `json:"id"`
	ProjectRef  string    `json:"project_ref,omitempty"`
	Category    string    `json:"category,omitempty"`
	Message     string    `json:"message"`
	Sensitive   bool      `json:"sensitive"`
	Status      string    `json:"status"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status   string          `json:"status"`   // healthy, degraded, unhealthy
	Version  string          `json:"version"`  // API version
	AppName  string          `json:"app_name"` // Application name
	Features map[string]bool `json:"features"` // Enabled features
}
