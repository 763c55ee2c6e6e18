package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"studymate-backend/internal/analytics"
	"studymate-backend/internal/cqrs"
	"studymate-backend/internal/middleware"
)

// dispatchTimeout bounds one command dispatch end to end.
const dispatchTimeout = 5 * time.Second

// RealtimeHandler is the HTTP surface of the session pipeline. Mutations go
// through the command bus, reads through the query bus; events go straight to
// the stream processor.
type RealtimeHandler struct {
	commands  *cqrs.CommandBus
	queries   *cqrs.QueryBus
	processor *analytics.Processor
}

func NewRealtimeHandler(commands *cqrs.CommandBus, queries *cqrs.QueryBus,
	processor *analytics.Processor) *RealtimeHandler {
	return &RealtimeHandler{
		commands:  commands,
		queries:   queries,
		processor: processor,
	}
}

func (h *RealtimeHandler) dispatch(w http.ResponseWriter, r *http.Request, cmd cqrs.Command, okStatus int) {
	ctx, cancel := context.WithTimeout(r.Context(), dispatchTimeout)
	defer cancel()

	res := h.commands.Dispatch(ctx, cmd)
	if res.Status != cqrs.StatusSucceeded {
		handleDispatchError(w, r, res.Err)
		return
	}
	writeJSON(w, okStatus, res)
}

func (h *RealtimeHandler) Start(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req struct {
		SessionID string `json:"session_id"`
		SubjectID string `json:"subject_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	subjectID, err := uuid.Parse(req.SubjectID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid subject_id", r))
		return
	}

	h.dispatch(w, r, cqrs.StartSessionCommand{
		SessionID: req.SessionID,
		User:      userID,
		SubjectID: subjectID,
	}, http.StatusCreated)
}

func (h *RealtimeHandler) End(w http.ResponseWriter, r *http.Request) {
	h.dispatch(w, r, cqrs.EndSessionCommand{
		SessionID: chi.URLParam(r, "id"),
		User:      middleware.GetUserID(r.Context()),
	}, http.StatusOK)
}

func (h *RealtimeHandler) Progress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProgressPercent  float64 `json:"progress_percent"`
		TimeSpentSeconds int64   `json:"time_spent_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	h.dispatch(w, r, cqrs.RecordProgressCommand{
		SessionID:        chi.URLParam(r, "id"),
		User:             middleware.GetUserID(r.Context()),
		ProgressPercent:  req.ProgressPercent,
		TimeSpentSeconds: req.TimeSpentSeconds,
	}, http.StatusOK)
}

// SubmitEvent feeds one activity event into the pipeline. Accepted events are
// acknowledged before processing; throttling is the client's signal to back
// off and retry.
func (h *RealtimeHandler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var raw analytics.RawEvent
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}
	if raw.SessionID == "" {
		raw.SessionID = chi.URLParam(r, "id")
	}

	res := h.processor.Submit(raw)
	switch res.Status {
	case analytics.SubmitAccepted:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case analytics.SubmitThrottled:
		writeJSON(w, http.StatusTooManyRequests, errorResp("THROTTLED", "Event queue is full, retry later", r))
	default:
		handleDispatchError(w, r, res.Err)
	}
}

func (h *RealtimeHandler) Status(w http.ResponseWriter, r *http.Request) {
	res, err := h.queries.Dispatch(r.Context(), cqrs.GetSessionStatusQuery{
		SessionID: chi.URLParam(r, "id"),
		User:      middleware.GetUserID(r.Context()),
	})
	if err != nil {
		handleDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *RealtimeHandler) Active(w http.ResponseWriter, r *http.Request) {
	res, err := h.queries.Dispatch(r.Context(), cqrs.GetActiveSessionsQuery{
		User: middleware.GetUserID(r.Context()),
	})
	if err != nil {
		handleDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *RealtimeHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res, err := h.queries.Dispatch(r.Context(), cqrs.GetSessionAnalyticsQuery{
		User:  middleware.GetUserID(r.Context()),
		Limit: limit,
	})
	if err != nil {
		handleDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// StreamingStatus is the admin monitoring view: worker counts, queue depths
// and cache counters. Never cached.
func (h *RealtimeHandler) StreamingStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.queries.Dispatch(r.Context(), cqrs.GetStreamingStatusQuery{
		User: middleware.GetUserID(r.Context()),
	})
	if err != nil {
		handleDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
