// Copyright 2025 Fieldworks Contributors
// SPDX-License-Identifier: Apache-2.0

package formsync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// ClientAuthenticator extracts tenant and user identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetOrgID(r *http.Request) (string, error)
}

// HTTPHandlers provides the HTTP surface for the form/response service
type HTTPHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of the service handlers
func NewHTTPHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPHandlers {
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// identity resolves org and user from the request, writing the error response
// on failure.
func (h *HTTPHandlers) identity(w http.ResponseWriter, r *http.Request) (orgID, userID string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	orgID, err = h.authenticator.GetOrgID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	return orgID, userID, true
}

// HandleSyncOffline processes a whole-queue batch upload from an offline client
func (h *HTTPHandlers) HandleSyncOffline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	orgID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var syncReq SyncUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&syncReq); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse sync request")
		return
	}

	response, err := h.service.ProcessSync(r.Context(), orgID, userID, &syncReq)
	if err != nil {
		h.logger.Error("Failed to process sync", "error", err, "org_id", orgID)
		h.writeError(w, http.StatusInternalServerError, "sync_failed", "Failed to process sync")
		return
	}

	h.writeJSON(w, response, orgID)
}

// HandleCreateForm stores a new form definition
func (h *HTTPHandlers) HandleCreateForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	orgID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var form FormDefinition
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse form definition")
		return
	}

	if err := h.service.CreateForm(r.Context(), orgID, userID, &form); err != nil {
		h.logger.Error("Failed to create form", "error", err, "org_id", orgID, "form_id", form.ID)
		h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to create form")
		return
	}

	h.writeJSONStatus(w, http.StatusCreated, &form, orgID)
}

// HandleUpdateForm replaces an existing form definition
func (h *HTTPHandlers) HandleUpdateForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only PUT method is allowed")
		return
	}

	orgID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var form FormDefinition
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse form definition")
		return
	}

	if err := h.service.UpdateForm(r.Context(), orgID, userID, &form); err != nil {
		if isUnknownForm(err) {
			h.writeError(w, http.StatusNotFound, "form_not_found", err.Error())
			return
		}
		h.logger.Error("Failed to update form", "error", err, "org_id", orgID, "form_id", form.ID)
		h.writeError(w, http.StatusInternalServerError, "update_failed", "Failed to update form")
		return
	}

	h.writeJSON(w, &form, orgID)
}

// HandleGetForm loads a form definition by id (?id=)
func (h *HTTPHandlers) HandleGetForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	orgID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	formID := r.URL.Query().Get("id")
	if formID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "id query parameter required")
		return
	}

	form, err := h.service.GetForm(r.Context(), orgID, formID)
	if err != nil {
		if isUnknownForm(err) {
			h.writeError(w, http.StatusNotFound, "form_not_found", err.Error())
			return
		}
		h.logger.Error("Failed to load form", "error", err, "org_id", orgID, "form_id", formID)
		h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to load form")
		return
	}

	h.writeJSON(w, form, orgID)
}

// HandleDeleteForm soft-deletes a form by id (?id=)
func (h *HTTPHandlers) HandleDeleteForm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only DELETE method is allowed")
		return
	}

	orgID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	formID := r.URL.Query().Get("id")
	if formID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "id query parameter required")
		return
	}

	if err := h.service.DeleteForm(r.Context(), orgID, formID); err != nil {
		if isUnknownForm(err) {
			h.writeError(w, http.StatusNotFound, "form_not_found", err.Error())
			return
		}
		h.logger.Error("Failed to delete form", "error", err, "org_id", orgID, "form_id", formID)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete form")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleSubmitResponse stores a single form response (direct online path)
func (h *HTTPHandlers) HandleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	orgID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var payload FormResponsePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse response payload")
		return
	}

	if err := h.service.SubmitResponse(r.Context(), orgID, userID, &payload); err != nil {
		if isUnknownForm(err) {
			h.writeError(w, http.StatusNotFound, "form_not_found", err.Error())
			return
		}
		h.logger.Error("Failed to submit response", "error", err, "org_id", orgID, "form_id", payload.FormID)
		h.writeError(w, http.StatusInternalServerError, "submit_failed", "Failed to submit response")
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// HandleSubmitFeedback stores a feedback/grievance entry
func (h *HTTPHandlers) HandleSubmitFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST method is allowed")
		return
	}

	orgID, userID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var entry FeedbackEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse feedback entry")
		return
	}

	id, err := h.service.SubmitFeedback(r.Context(), orgID, userID, &entry)
	if err != nil {
		h.logger.Error("Failed to submit feedback", "error", err, "org_id", orgID)
		h.writeError(w, http.StatusInternalServerError, "feedback_failed", "Failed to submit feedback")
		return
	}

	h.writeJSONStatus(w, http.StatusCreated, map[string]string{"id": id}, orgID)
}

// HandleListFeedback lists feedback entries, optionally filtered by ?status=
func (h *HTTPHandlers) HandleListFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	orgID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	entries, err := h.service.ListFeedback(r.Context(), orgID, r.URL.Query().Get("status"))
	if err != nil {
		h.logger.Error("Failed to list feedback", "error", err, "org_id", orgID)
		h.writeError(w, http.StatusInternalServerError, "feedback_failed", "Failed to list feedback")
		return
	}

	h.writeJSON(w, entries, orgID)
}

// HandleStatus returns service health information (no auth required)
func (h *HTTPHandlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET method is allowed")
		return
	}

	response := StatusResponse{
		Status:  "healthy",
		Version: "1.0",
		AppName: h.service.config.AppName,
		Features: map[string]bool{
			"offline_sync": true,
			"feedback":     true,
		},
	}

	h.writeJSON(w, &response, "")
}

func isUnknownForm(err error) bool {
	return errors.Is(err, ErrUnknownForm)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any, orgID string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err, "org_id", orgID)
	}
}

func (h *HTTPHandlers) writeJSONStatus(w http.ResponseWriter, statusCode int, v any, orgID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err, "org_id", orgID)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
