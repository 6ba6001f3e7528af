// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formsync

// Item type constants for queued offline operations
const (
	ItemFormResponse = "form_response"
	ItemFormCreate   = "form_create"
	ItemFormUpdate   = "form_update"
	ItemFormDelete   = "form_delete"
	ItemMediaUpload  = "media_upload"
	ItemMediaDelete  = "media_delete"
)

// Status constants for per-item sync results
const (
	StApplied = "applied"
	StFailed  = "failed"
)

// Failure reason constants
const (
	ReasonBadPayload      = "bad_payload"
	ReasonUnknownType     = "unknown_type"
	ReasonUnknownForm     = "unknown_form"
	ReasonPayloadTooLarge = "payload_too_large"
	ReasonTransient       = "transient"
	ReasonInternalError   = "internal_error"
)

// Feedback status constants
const (
	FeedbackOpen         = "open"
	FeedbackAcknowledged = "acknowledged"
	FeedbackResolved     = "resolved"
)

// IsKnownItemType reports whether t is one of the closed set of queue item types.
func IsKnownItemType(t string) bool {
	switch t {
	case ItemFormResponse, ItemFormCreate, ItemFormUpdate, ItemFormDelete,
		ItemMediaUpload, ItemMediaDelete:
		return true
	default:
		return false
	}
}

// IsTransientReason reports whether a failure reason is worth keeping the item
// queued for another automatic drain pass.
func IsTransientReason(reason string) bool {
	return reason == ReasonTransient || reason == ReasonInternalError
}
