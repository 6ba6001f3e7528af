// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldworks/go-formsync/formsync"
)

// DefaultMaxRetries is the retry ceiling for queued items. An item that has
// failed this many times is excluded from automatic drains and waits for an
// explicit manual retry.
const DefaultMaxRetries = 3

// QueueItem is one pending offline operation awaiting submission.
// Payload holds the concrete payload struct matching Type: one of
// *formsync.FormResponsePayload (form_response), *formsync.FormPayload
// (form_create/form_update), *formsync.FormDeletePayload (form_delete) or
// *formsync.MediaPayload (media_upload/media_delete).
type QueueItem struct {
	ID         string
	Type       string
	Payload    any
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int
	LastError  string // Reason/message from the most recent failed submission
}

// Failed reports whether the item has exhausted its automatic retries.
func (qi *QueueItem) Failed() bool {
	return qi.RetryCount >= qi.MaxRetries
}

// FormResponse returns the payload as a form response, if that is what it is.
func (qi *QueueItem) FormResponse() (*formsync.FormResponsePayload, bool) {
	p, ok := qi.Payload.(*formsync.FormResponsePayload)
	return p, ok
}

// queueItemEnvelope is the persisted/wire shape of a QueueItem. The payload
// stays raw until the type tag is known.
type queueItemEnvelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (qi QueueItem) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(qi.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for item %s: %w", qi.ID, err)
	}
	return json.Marshal(queueItemEnvelope{
		ID:         qi.ID,
		Type:       qi.Type,
		Payload:    payload,
		EnqueuedAt: qi.EnqueuedAt,
		RetryCount: qi.RetryCount,
		MaxRetries: qi.MaxRetries,
		LastError:  qi.LastError,
	})
}

// UnmarshalJSON implements json.Unmarshaler, decoding the payload into the
// concrete struct selected by the type tag.
func (qi *QueueItem) UnmarshalJSON(data []byte) error {
	var env queueItemEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	payload, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}

	qi.ID = env.ID
	qi.Type = env.Type
	qi.Payload = payload
	qi.EnqueuedAt = env.EnqueuedAt
	qi.RetryCount = env.RetryCount
	qi.MaxRetries = env.MaxRetries
	qi.LastError = env.LastError
	return nil
}

// decodePayload decodes raw payload JSON into the variant for itemType.
func decodePayload(itemType string, raw json.RawMessage) (any, error) {
	switch itemType {
	case formsync.ItemFormResponse:
		var p formsync.FormResponsePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode form_response payload: %w", err)
		}
		return &p, nil
	case formsync.ItemFormCreate, formsync.ItemFormUpdate:
		var p formsync.FormPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode form payload: %w", err)
		}
		return &p, nil
	case formsync.ItemFormDelete:
		var p formsync.FormDeletePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode form_delete payload: %w", err)
		}
		return &p, nil
	case formsync.ItemMediaUpload, formsync.ItemMediaDelete:
		var p formsync.MediaPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode media payload: %w", err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown queue item type %q", itemType)
	}
}

// toSyncItem converts a queue item to its wire representation.
func (qi *QueueItem) toSyncItem() (formsync.SyncItem, error) {
	payload, err := json.Marshal(qi.Payload)
	if err != nil {
		return formsync.SyncItem{}, fmt.Errorf("failed to marshal payload for item %s: %w", qi.ID, err)
	}
	return formsync.SyncItem{
		ID:         qi.ID,
		Type:       qi.Type,
		Payload:    payload,
		EnqueuedAt: qi.EnqueuedAt,
		RetryCount: qi.RetryCount,
	}, nil
}
