package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"studymate-backend/internal/cqrs"
	"studymate-backend/internal/middleware"
)

// CommandEnvelope is the generic command endpoint's wire form.
type CommandEnvelope struct {
	Type    string          `json:"command_type"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatch accepts any session command as a typed envelope. The issuing user
// always comes from the token, never from the payload.
func (h *RealtimeHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var env CommandEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	var cmd cqrs.Command
	switch env.Type {
	case cqrs.CommandStartSession:
		var c cqrs.StartSessionCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid command payload", r))
			return
		}
		c.User = userID
		cmd = c
	case cqrs.CommandEndSession:
		var c cqrs.EndSessionCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid command payload", r))
			return
		}
		c.User = userID
		cmd = c
	case cqrs.CommandRecordProgress:
		var c cqrs.RecordProgressCommand
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid command payload", r))
			return
		}
		c.User = userID
		cmd = c
	default:
		writeJSON(w, http.StatusBadRequest, errorResp("UNKNOWN_TYPE", "Unknown command type "+env.Type, r))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), dispatchTimeout)
	defer cancel()

	res := h.commands.Dispatch(ctx, cmd)
	if res.Status != cqrs.StatusSucceeded {
		handleDispatchError(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
