package cqrs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studymate-backend/internal/analytics"
	"studymate-backend/internal/models"
	"studymate-backend/internal/repository"
)

const (
	CommandStartSession   = "start_session"
	CommandEndSession     = "end_session"
	CommandRecordProgress = "record_progress"
)

// StartSessionCommand opens a new learning session for a user on a subject.
type StartSessionCommand struct {
	SessionID string    `json:"session_id"`
	User      uuid.UUID `json:"user_id"`
	SubjectID uuid.UUID `json:"subject_id"`
}

func (c StartSessionCommand) Type() string      { return CommandStartSession }
func (c StartSessionCommand) UserID() uuid.UUID { return c.User }

func (c StartSessionCommand) Validate() error {
	if c.User == uuid.Nil {
		return errors.New("user_id is required")
	}
	if c.SubjectID == uuid.Nil {
		return errors.New("subject_id is required")
	}
	return nil
}

// EndSessionCommand terminates a session. Ending an already-ended session is
// not an error; the caller gets the same terminal snapshot back.
type EndSessionCommand struct {
	SessionID string    `json:"session_id"`
	User      uuid.UUID `json:"user_id"`
}

func (c EndSessionCommand) Type() string      { return CommandEndSession }
func (c EndSessionCommand) UserID() uuid.UUID { return c.User }

func (c EndSessionCommand) Validate() error {
	if c.SessionID == "" {
		return errors.New("session_id is required")
	}
	if c.User == uuid.Nil {
		return errors.New("user_id is required")
	}
	return nil
}

// RecordProgressCommand merges a progress report into the session: the
// completion percentage only moves forward and time spent accumulates.
type RecordProgressCommand struct {
	SessionID        string    `json:"session_id"`
	User             uuid.UUID `json:"user_id"`
	ProgressPercent  float64   `json:"progress_percent"`
	TimeSpentSeconds int64     `json:"time_spent_seconds"`
}

func (c RecordProgressCommand) Type() string      { return CommandRecordProgress }
func (c RecordProgressCommand) UserID() uuid.UUID { return c.User }

func (c RecordProgressCommand) Validate() error {
	if c.SessionID == "" {
		return errors.New("session_id is required")
	}
	if c.User == uuid.Nil {
		return errors.New("user_id is required")
	}
	if c.ProgressPercent < 0 || c.ProgressPercent > 100 {
		return errors.New("progress_percent must be between 0 and 100")
	}
	if c.TimeSpentSeconds < 0 {
		return errors.New("time_spent_seconds must not be negative")
	}
	return nil
}

// SessionCommands holds the handlers for the session lifecycle commands.
type SessionCommands struct {
	store     *analytics.Store
	processor *analytics.Processor
	catalog   repository.SubjectCatalog
	archiver  analytics.Archiver
	log       zerolog.Logger
}

func NewSessionCommands(store *analytics.Store, processor *analytics.Processor,
	catalog repository.SubjectCatalog, archiver analytics.Archiver, log zerolog.Logger) *SessionCommands {
	return &SessionCommands{
		store:     store,
		processor: processor,
		catalog:   catalog,
		archiver:  archiver,
		log:       log,
	}
}

// Register binds every session command to the bus.
func (h *SessionCommands) Register(bus *CommandBus) error {
	if err := bus.Register(CommandStartSession, CommandHandlerFunc(h.StartSession)); err != nil {
		return err
	}
	if err := bus.Register(CommandEndSession, CommandHandlerFunc(h.EndSession)); err != nil {
		return err
	}
	return bus.Register(CommandRecordProgress, CommandHandlerFunc(h.RecordProgress))
}

func (h *SessionCommands) StartSession(ctx context.Context, cmd Command) (*CommandOutcome, error) {
	c, ok := cmd.(StartSessionCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected command payload for %s", CommandStartSession)
	}

	if h.catalog != nil {
		if _, err := h.catalog.LookupSubject(ctx, c.SubjectID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, fmt.Errorf("unknown subject %s", c.SubjectID)
			}
			return nil, fmt.Errorf("subject lookup failed: %w", err)
		}
	}

	id := c.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	state, err := h.store.Create(id, c.User, c.SubjectID, time.Now())
	if err != nil {
		return nil, err
	}

	return &CommandOutcome{
		Result:       state,
		AffectedTags: []string{models.SessionTag(id), models.UserTag(c.User)},
	}, nil
}

func (h *SessionCommands) EndSession(ctx context.Context, cmd Command) (*CommandOutcome, error) {
	c, ok := cmd.(EndSessionCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected command payload for %s", CommandEndSession)
	}

	// Only the owner may end a session.
	if existing, err := h.store.Get(c.SessionID); err == nil && existing.UserID != c.User {
		return nil, ErrUnauthorized
	}

	state, err := h.store.End(c.SessionID, time.Now())
	if errors.Is(err, analytics.ErrSessionEnded) {
		if state.UserID != c.User {
			return nil, ErrUnauthorized
		}
		// Retry of an already-ended session: the terminal broadcast and
		// archive already happened, only the snapshot is returned again.
		return &CommandOutcome{Result: state}, nil
	}
	if err != nil {
		return nil, err
	}

	h.processor.Release(c.SessionID)

	summary := analytics.SummaryOf(state)
	if h.archiver != nil {
		if aerr := h.archiver.Archive(ctx, summary); aerr != nil {
			h.log.Error().Err(aerr).Str("session_id", c.SessionID).Msg("failed to archive ended session")
		}
	}

	return &CommandOutcome{
		Result:       state,
		AffectedTags: []string{models.SessionTag(c.SessionID), models.UserTag(state.UserID)},
		Ended: []models.SessionEnded{{
			SessionID: c.SessionID,
			Summary:   &summary,
		}},
	}, nil
}

func (h *SessionCommands) RecordProgress(_ context.Context, cmd Command) (*CommandOutcome, error) {
	c, ok := cmd.(RecordProgressCommand)
	if !ok {
		return nil, fmt.Errorf("unexpected command payload for %s", CommandRecordProgress)
	}

	existing, err := h.store.Get(c.SessionID)
	if err != nil {
		return nil, err
	}
	if existing.UserID != c.User {
		return nil, ErrUnauthorized
	}

	state, err := h.store.Mutate(c.SessionID, func(st *models.SessionState) {
		if c.ProgressPercent > st.ProgressPercent {
			st.ProgressPercent = c.ProgressPercent
		}
		st.TimeSpentSeconds += c.TimeSpentSeconds
	})
	if err != nil {
		return nil, err
	}

	return &CommandOutcome{
		Result:       state,
		AffectedTags: []string{models.SessionTag(c.SessionID), models.UserTag(state.UserID)},
	}, nil
}
