package cqrs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"studymate-backend/internal/analytics"
	"studymate-backend/internal/cache"
	"studymate-backend/internal/models"
)

const (
	QuerySessionStatus    = "session_status"
	QueryActiveSessions   = "active_sessions"
	QuerySessionAnalytics = "session_analytics"
	QueryStreamingStatus  = "streaming_status"
)

// GetSessionStatusQuery reads one session's current state and metrics.
type GetSessionStatusQuery struct {
	SessionID string    `json:"session_id"`
	User      uuid.UUID `json:"user_id"`
}

func (q GetSessionStatusQuery) Type() string      { return QuerySessionStatus }
func (q GetSessionStatusQuery) UserID() uuid.UUID { return q.User }

// The key carries the requesting user so an authorization miss for one user
// can never be answered from an entry another user populated.
func (q GetSessionStatusQuery) CacheKey() string {
	return "session_status:" + q.SessionID + ":" + q.User.String()
}
func (q GetSessionStatusQuery) CacheTags() []string { return []string{models.SessionTag(q.SessionID)} }
func (q GetSessionStatusQuery) Cacheable() bool     { return true }

// GetActiveSessionsQuery lists the user's live sessions.
type GetActiveSessionsQuery struct {
	User uuid.UUID `json:"user_id"`
}

func (q GetActiveSessionsQuery) Type() string        { return QueryActiveSessions }
func (q GetActiveSessionsQuery) UserID() uuid.UUID   { return q.User }
func (q GetActiveSessionsQuery) CacheKey() string    { return "active_sessions:" + q.User.String() }
func (q GetActiveSessionsQuery) CacheTags() []string { return []string{models.UserTag(q.User)} }
func (q GetActiveSessionsQuery) Cacheable() bool     { return true }

// GetSessionAnalyticsQuery builds the user's dashboard view: live sessions
// plus recently archived ones.
type GetSessionAnalyticsQuery struct {
	User  uuid.UUID `json:"user_id"`
	Limit int       `json:"limit"`
}

func (q GetSessionAnalyticsQuery) Type() string      { return QuerySessionAnalytics }
func (q GetSessionAnalyticsQuery) UserID() uuid.UUID { return q.User }
func (q GetSessionAnalyticsQuery) CacheKey() string {
	return fmt.Sprintf("session_analytics:%s:%d", q.User, q.limit())
}
func (q GetSessionAnalyticsQuery) CacheTags() []string { return []string{models.UserTag(q.User)} }
func (q GetSessionAnalyticsQuery) Cacheable() bool     { return true }

func (q GetSessionAnalyticsQuery) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

// GetStreamingStatusQuery is the admin view of the ingest pipeline. Always
// live; caching a monitoring snapshot would defeat its purpose.
type GetStreamingStatusQuery struct {
	User uuid.UUID `json:"user_id"`
}

func (q GetStreamingStatusQuery) Type() string        { return QueryStreamingStatus }
func (q GetStreamingStatusQuery) UserID() uuid.UUID   { return q.User }
func (q GetStreamingStatusQuery) CacheKey() string    { return "streaming_status" }
func (q GetStreamingStatusQuery) CacheTags() []string { return nil }
func (q GetStreamingStatusQuery) Cacheable() bool     { return false }

// ArchiveReader is the archive surface the analytics query needs.
type ArchiveReader interface {
	RecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.SessionSummary, error)
}

// SessionAnalyticsView is the dashboard payload.
type SessionAnalyticsView struct {
	Active []models.SessionState   `json:"active"`
	Recent []models.SessionSummary `json:"recent"`
}

// StreamingStatusView is the admin monitoring payload.
type StreamingStatusView struct {
	Processor analytics.ProcessorStatus `json:"processor"`
	Cache     cache.Stats               `json:"cache"`
	Sessions  int                       `json:"sessions"`
}

// SessionQueries holds the handlers for the read side.
type SessionQueries struct {
	store     *analytics.Store
	processor *analytics.Processor
	archive   ArchiveReader
	cache     *cache.Tagged
}

func NewSessionQueries(store *analytics.Store, processor *analytics.Processor,
	archive ArchiveReader, c *cache.Tagged) *SessionQueries {
	return &SessionQueries{
		store:     store,
		processor: processor,
		archive:   archive,
		cache:     c,
	}
}

// Register binds every session query to the bus.
func (h *SessionQueries) Register(bus *QueryBus) error {
	if err := bus.Register(QuerySessionStatus, QueryHandlerFunc(h.SessionStatus)); err != nil {
		return err
	}
	if err := bus.Register(QueryActiveSessions, QueryHandlerFunc(h.ActiveSessions)); err != nil {
		return err
	}
	if err := bus.Register(QuerySessionAnalytics, QueryHandlerFunc(h.SessionAnalytics)); err != nil {
		return err
	}
	return bus.Register(QueryStreamingStatus, QueryHandlerFunc(h.StreamingStatus))
}

func (h *SessionQueries) SessionStatus(_ context.Context, q Query) (any, []string, error) {
	sq, ok := q.(GetSessionStatusQuery)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected query payload for %s", QuerySessionStatus)
	}

	state, err := h.store.Get(sq.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if state.UserID != sq.User {
		return nil, nil, ErrUnauthorized
	}
	return state, []string{models.SessionTag(sq.SessionID)}, nil
}

func (h *SessionQueries) ActiveSessions(_ context.Context, q Query) (any, []string, error) {
	aq, ok := q.(GetActiveSessionsQuery)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected query payload for %s", QueryActiveSessions)
	}

	sessions := h.store.ActiveByUser(aq.User)
	tags := []string{models.UserTag(aq.User)}
	for _, s := range sessions {
		tags = append(tags, models.SessionTag(s.ID))
	}
	return sessions, tags, nil
}

func (h *SessionQueries) SessionAnalytics(ctx context.Context, q Query) (any, []string, error) {
	aq, ok := q.(GetSessionAnalyticsQuery)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected query payload for %s", QuerySessionAnalytics)
	}

	view := SessionAnalyticsView{Active: h.store.ActiveByUser(aq.User)}
	if h.archive != nil {
		recent, err := h.archive.RecentByUser(ctx, aq.User, aq.limit())
		if err != nil {
			return nil, nil, fmt.Errorf("archive read failed: %w", err)
		}
		view.Recent = recent
	}
	return view, []string{models.UserTag(aq.User)}, nil
}

func (h *SessionQueries) StreamingStatus(_ context.Context, q Query) (any, []string, error) {
	if _, ok := q.(GetStreamingStatusQuery); !ok {
		return nil, nil, fmt.Errorf("unexpected query payload for %s", QueryStreamingStatus)
	}

	view := StreamingStatusView{
		Processor: h.processor.Status(),
		Sessions:  h.store.Count(),
	}
	if h.cache != nil {
		view.Cache = h.cache.Stats()
	}
	return view, nil, nil
}

// IsNotFound reports whether the error means the requested session does not
// exist.
func IsNotFound(err error) bool {
	return errors.Is(err, analytics.ErrNotFound)
}
