package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"studymate-backend/internal/analytics"
	"studymate-backend/internal/cqrs"
	"studymate-backend/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResp(code, message string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}

func errorRespWithFields(code, message string, fields map[string]string, r *http.Request) models.ErrorResponse {
	return models.ErrorResponse{
		Error: models.APIError{
			Code:      code,
			Message:   message,
			Fields:    fields,
			RequestID: r.Header.Get("X-Request-ID"),
		},
	}
}

// handleDispatchError maps a failed dispatch to its HTTP shape.
func handleDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *analytics.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed",
			map[string]string{verr.Field: verr.Reason}, r))
	case errors.Is(err, cqrs.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", err.Error(), r))
	case errors.Is(err, cqrs.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, errorResp("FORBIDDEN", "User not authorized for this command", r))
	case errors.Is(err, analytics.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
	case errors.Is(err, analytics.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorResp("CONFLICT", "Session already exists", r))
	case errors.Is(err, cqrs.ErrNoHandler):
		writeJSON(w, http.StatusBadRequest, errorResp("UNKNOWN_TYPE", "No handler for this type", r))
	case errors.Is(err, cqrs.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorResp("TIMEOUT", "Dispatch exceeded its deadline", r))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Something went wrong", r))
	}
}
