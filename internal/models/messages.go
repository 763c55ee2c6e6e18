package models

import "encoding/json"

// Live channel message types
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ClientMessage is what a live client sends over the websocket.
type ClientMessage struct {
	Type    string          `json:"type"` // "authenticate" | "subscribe" | "event"
	Token   string          `json:"token,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type StateDelta struct {
	SessionID string  `json:"session_id"`
	Metrics   Metrics `json:"metrics"`
	Status    string  `json:"status"`
}

type SessionEnded struct {
	SessionID string          `json:"session_id"`
	Summary   *SessionSummary `json:"summary,omitempty"`
}

type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}
