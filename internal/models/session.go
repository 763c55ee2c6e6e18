package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusIdle   SessionStatus = "idle"
	SessionStatusEnded  SessionStatus = "ended"
)

// SessionTag indexes cached views of one session.
func SessionTag(sessionID string) string { return "session:" + sessionID }

// UserTag indexes cached views of one user's session list.
func UserTag(userID uuid.UUID) string { return "user:" + userID.String() }

// Metrics holds the rolling window metrics for one session.
type Metrics struct {
	FocusScore float64 `json:"focus_score"` // 0.0 - 1.0, recency weighted
	Pace       float64 `json:"pace"`        // content interactions per minute
	Efficiency float64 `json:"efficiency"`  // correct / attempted, 0 when no attempts
}

type SessionState struct {
	ID               string        `json:"session_id"`
	UserID           uuid.UUID     `json:"user_id"`
	SubjectID        uuid.UUID     `json:"subject_id"`
	StartedAt        time.Time     `json:"started_at"`
	LastActivityAt   time.Time     `json:"last_activity_at"`
	ActiveSeconds    int64         `json:"active_seconds"`
	Metrics          Metrics       `json:"metrics"`
	Status           SessionStatus `json:"status"`
	ProgressPercent  float64       `json:"progress_percent"`
	TimeSpentSeconds int64         `json:"time_spent_seconds"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
}

// SessionSummary is the terminal snapshot archived when a session ends.
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	UserID          uuid.UUID `json:"user_id"`
	SubjectID       uuid.UUID `json:"subject_id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	ActiveSeconds   int64     `json:"active_seconds"`
	FocusScore      float64   `json:"focus_score"`
	Pace            float64   `json:"pace"`
	Efficiency      float64   `json:"efficiency"`
	ProgressPercent float64   `json:"progress_percent"`
}
