package analytics

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	KindHeartbeat       EventKind = "heartbeat"
	KindAnswerSubmitted EventKind = "answer_submitted"
	KindContentViewed   EventKind = "content_viewed"
	KindIdleDetected    EventKind = "idle_detected"
)

// RawEvent is the wire form of an activity event before validation.
type RawEvent struct {
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is the canonical, validated form of one immutable observation.
type Event struct {
	SessionID       string
	Kind            EventKind
	Timestamp       time.Time
	Correct         bool    // answer_submitted only
	DurationSeconds float64 // content_viewed / idle_detected
	ContentID       string  // content_viewed only
}

type answerPayload struct {
	Correct *bool `json:"correct"`
}

type contentPayload struct {
	ContentID       string  `json:"content_id"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type idlePayload struct {
	DurationSeconds *float64 `json:"duration_seconds"`
}

// ParseEvent normalizes a raw event into its canonical form. It is a pure
// function of its input; the per-session timestamp tolerance check happens at
// submission, where the session's last observed timestamp is known.
func ParseEvent(raw RawEvent) (Event, *ValidationError) {
	if raw.SessionID == "" {
		return Event{}, validationErr("session_id", "required")
	}
	if raw.Timestamp.IsZero() {
		return Event{}, validationErr("timestamp", "required")
	}

	ev := Event{
		SessionID: raw.SessionID,
		Timestamp: raw.Timestamp,
	}

	switch EventKind(raw.Kind) {
	case KindHeartbeat:
		ev.Kind = KindHeartbeat

	case KindAnswerSubmitted:
		ev.Kind = KindAnswerSubmitted
		var p answerPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Event{}, validationErr("payload", "malformed JSON")
		}
		if p.Correct == nil {
			return Event{}, validationErr("payload.correct", "required for answer_submitted")
		}
		ev.Correct = *p.Correct

	case KindContentViewed:
		ev.Kind = KindContentViewed
		if len(raw.Payload) > 0 {
			var p contentPayload
			if err := json.Unmarshal(raw.Payload, &p); err != nil {
				return Event{}, validationErr("payload", "malformed JSON")
			}
			if p.DurationSeconds < 0 {
				return Event{}, validationErr("payload.duration_seconds", "must be non-negative")
			}
			ev.ContentID = p.ContentID
			ev.DurationSeconds = p.DurationSeconds
		}

	case KindIdleDetected:
		ev.Kind = KindIdleDetected
		var p idlePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			return Event{}, validationErr("payload", "malformed JSON")
		}
		if p.DurationSeconds == nil {
			return Event{}, validationErr("payload.duration_seconds", "required for idle_detected")
		}
		if *p.DurationSeconds < 0 {
			return Event{}, validationErr("payload.duration_seconds", "must be non-negative")
		}
		ev.DurationSeconds = *p.DurationSeconds

	default:
		return Event{}, validationErr("kind", "unknown event kind "+raw.Kind)
	}

	return ev, nil
}

// IsInteraction reports whether the event counts toward pace.
func (e Event) IsInteraction() bool {
	return e.Kind == KindContentViewed || e.Kind == KindAnswerSubmitted
}
