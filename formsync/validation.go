// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation error sentinels for mapping to failure reasons
var (
	ErrBadPayload      = errors.New("bad_payload")
	ErrUnknownType     = errors.New("unknown_type")
	ErrUnknownForm     = errors.New("unknown_form")
	ErrPayloadTooLarge = errors.New("payload_too_large")
)

// validateItem validates a single sync item before it is applied.
func (s *SyncService) validateItem(item *SyncItem) error {
	item.Type = strings.ToLower(strings.TrimSpace(item.Type))

	if item.ID == "" {
		return fmt.Errorf("%w: missing item id", ErrBadPayload)
	}
	if !IsKnownItemType(item.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, item.Type)
	}

	if len(item.Payload) == 0 {
		return fmt.Errorf("%w: payload required for %s", ErrBadPayload, item.Type)
	}

	// Must be a JSON object
	var obj map[string]any
	if err := json.Unmarshal(item.Payload, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: payload must be a JSON object", ErrBadPayload)
	}

	// Enforce per-item payload size limit (bytes of raw JSON)
	if s.config.MaxPayloadBytes > 0 && len(item.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(item.Payload), s.config.MaxPayloadBytes)
	}

	switch item.Type {
	case ItemFormResponse:
		var p FormResponsePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if _, err := uuid.Parse(p.FormID); err != nil {
			return fmt.Errorf("%w: invalid form_id %q", ErrBadPayload, p.FormID)
		}
	case ItemFormCreate, ItemFormUpdate:
		var p FormPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if _, err := uuid.Parse(p.Form.ID); err != nil {
			return fmt.Errorf("%w: invalid form id %q", ErrBadPayload, p.Form.ID)
		}
		if strings.TrimSpace(p.Form.Title) == "" {
			return fmt.Errorf("%w: form title required", ErrBadPayload)
		}
	case ItemFormDelete:
		var p FormDeletePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if _, err := uuid.Parse(p.FormID); err != nil {
			return fmt.Errorf("%w: invalid form_id %q", ErrBadPayload, p.FormID)
		}
	case ItemMediaUpload, ItemMediaDelete:
		var p MediaPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if _, err := uuid.Parse(p.ID); err != nil {
			return fmt.Errorf("%w: invalid media id %q", ErrBadPayload, p.ID)
		}
	}

	return nil
}

// failureReason maps a validation or apply error to a stable wire reason.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrBadPayload):
		return ReasonBadPayload
	case errors.Is(err, ErrUnknownType):
		return ReasonUnknownType
	case errors.Is(err, ErrUnknownForm):
		return ReasonUnknownForm
	case errors.Is(err, ErrPayloadTooLarge):
		return ReasonPayloadTooLarge
	case isRetryablePGTxError(err):
		return ReasonTransient
	default:
		return ReasonInternalError
	}
}
