package cqrs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate-backend/internal/analytics"
	"studymate-backend/internal/models"
	"studymate-backend/internal/repository"
)

type stubCatalog struct {
	known map[uuid.UUID]repository.SubjectInfo
}

func (s stubCatalog) LookupSubject(_ context.Context, id uuid.UUID) (repository.SubjectInfo, error) {
	info, ok := s.known[id]
	if !ok {
		return repository.SubjectInfo{}, repository.ErrNotFound
	}
	return info, nil
}

type stubArchiver struct {
	mu        sync.Mutex
	summaries []models.SessionSummary
}

func (s *stubArchiver) Archive(_ context.Context, summary models.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *stubArchiver) archived() []models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.SessionSummary(nil), s.summaries...)
}

type commandFixture struct {
	handlers *SessionCommands
	store    *analytics.Store
	archiver *stubArchiver
	user     uuid.UUID
	subject  uuid.UUID
}

func newCommandFixture(t *testing.T) *commandFixture {
	t.Helper()

	store := analytics.NewStore(10 * time.Minute)
	processor := analytics.NewProcessor(analytics.ProcessorConfig{
		WindowBuckets:    12,
		BucketWidth:      5 * time.Second,
		SkewTolerance:    2 * time.Second,
		SessionQueueSize: 16,
		GlobalQueueSize:  128,
		IdleThreshold:    5 * time.Minute,
	}, store, nil, zerolog.Nop())
	t.Cleanup(processor.Stop)

	subject := uuid.New()
	catalog := stubCatalog{known: map[uuid.UUID]repository.SubjectInfo{
		subject: {SubjectID: subject, Name: "algebra", Category: "math"},
	}}
	archiver := &stubArchiver{}

	return &commandFixture{
		handlers: NewSessionCommands(store, processor, catalog, archiver, zerolog.Nop()),
		store:    store,
		archiver: archiver,
		user:     uuid.New(),
		subject:  subject,
	}
}

func TestStartSessionCreatesState(t *testing.T) {
	f := newCommandFixture(t)

	outcome, err := f.handlers.StartSession(context.Background(), StartSessionCommand{
		SessionID: "s1",
		User:      f.user,
		SubjectID: f.subject,
	})
	require.NoError(t, err)

	state, ok := outcome.Result.(models.SessionState)
	require.True(t, ok)
	assert.Equal(t, "s1", state.ID)
	assert.Equal(t, models.SessionStatusActive, state.Status)

	assert.ElementsMatch(t, []string{"session:s1", "user:" + f.user.String()}, outcome.AffectedTags)
	assert.Empty(t, outcome.Ended)
}

func TestStartSessionGeneratesID(t *testing.T) {
	f := newCommandFixture(t)

	outcome, err := f.handlers.StartSession(context.Background(), StartSessionCommand{
		User:      f.user,
		SubjectID: f.subject,
	})
	require.NoError(t, err)

	state := outcome.Result.(models.SessionState)
	assert.NotEmpty(t, state.ID)
	_, err = f.store.Get(state.ID)
	assert.NoError(t, err)
}

func TestStartSessionUnknownSubject(t *testing.T) {
	f := newCommandFixture(t)

	_, err := f.handlers.StartSession(context.Background(), StartSessionCommand{
		User:      f.user,
		SubjectID: uuid.New(),
	})
	assert.Error(t, err)
}

func TestStartSessionDuplicate(t *testing.T) {
	f := newCommandFixture(t)
	cmd := StartSessionCommand{SessionID: "s1", User: f.user, SubjectID: f.subject}

	_, err := f.handlers.StartSession(context.Background(), cmd)
	require.NoError(t, err)
	_, err = f.handlers.StartSession(context.Background(), cmd)
	assert.ErrorIs(t, err, analytics.ErrAlreadyExists)
}

func TestEndSessionIsIdempotent(t *testing.T) {
	f := newCommandFixture(t)
	_, err := f.handlers.StartSession(context.Background(), StartSessionCommand{
		SessionID: "s1", User: f.user, SubjectID: f.subject,
	})
	require.NoError(t, err)

	end := EndSessionCommand{SessionID: "s1", User: f.user}

	first, err := f.handlers.EndSession(context.Background(), end)
	require.NoError(t, err)
	require.Len(t, first.Ended, 1)
	assert.Equal(t, "s1", first.Ended[0].SessionID)
	require.NotNil(t, first.Ended[0].Summary)
	assert.Len(t, f.archiver.archived(), 1)

	// The retry returns the same snapshot and produces no new side effects.
	second, err := f.handlers.EndSession(context.Background(), end)
	require.NoError(t, err)
	assert.Empty(t, second.Ended)
	assert.Empty(t, second.AffectedTags)
	assert.Len(t, f.archiver.archived(), 1)

	firstState := first.Result.(models.SessionState)
	secondState := second.Result.(models.SessionState)
	assert.Equal(t, firstState, secondState)
}

func TestEndSessionForeignUserDenied(t *testing.T) {
	f := newCommandFixture(t)
	_, err := f.handlers.StartSession(context.Background(), StartSessionCommand{
		SessionID: "s1", User: f.user, SubjectID: f.subject,
	})
	require.NoError(t, err)

	_, err = f.handlers.EndSession(context.Background(), EndSessionCommand{
		SessionID: "s1", User: uuid.New(),
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	// The session is untouched and still belongs to its owner.
	state, err := f.store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, state.Status)
}

func TestRecordProgressForeignUserDenied(t *testing.T) {
	f := newCommandFixture(t)
	_, err := f.handlers.StartSession(context.Background(), StartSessionCommand{
		SessionID: "s1", User: f.user, SubjectID: f.subject,
	})
	require.NoError(t, err)

	_, err = f.handlers.RecordProgress(context.Background(), RecordProgressCommand{
		SessionID: "s1", User: uuid.New(), ProgressPercent: 99,
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	state, err := f.store.Get("s1")
	require.NoError(t, err)
	assert.Zero(t, state.ProgressPercent)
}

func TestEndSessionUnknown(t *testing.T) {
	f := newCommandFixture(t)

	_, err := f.handlers.EndSession(context.Background(), EndSessionCommand{
		SessionID: "ghost", User: f.user,
	})
	assert.ErrorIs(t, err, analytics.ErrNotFound)
}

func TestRecordProgressMerges(t *testing.T) {
	f := newCommandFixture(t)
	_, err := f.handlers.StartSession(context.Background(), StartSessionCommand{
		SessionID: "s1", User: f.user, SubjectID: f.subject,
	})
	require.NoError(t, err)

	outcome, err := f.handlers.RecordProgress(context.Background(), RecordProgressCommand{
		SessionID: "s1", User: f.user, ProgressPercent: 40, TimeSpentSeconds: 120,
	})
	require.NoError(t, err)
	state := outcome.Result.(models.SessionState)
	assert.InDelta(t, 40, state.ProgressPercent, 1e-9)
	assert.Equal(t, int64(120), state.TimeSpentSeconds)

	// Progress never moves backwards; time spent accumulates.
	outcome, err = f.handlers.RecordProgress(context.Background(), RecordProgressCommand{
		SessionID: "s1", User: f.user, ProgressPercent: 25, TimeSpentSeconds: 60,
	})
	require.NoError(t, err)
	state = outcome.Result.(models.SessionState)
	assert.InDelta(t, 40, state.ProgressPercent, 1e-9)
	assert.Equal(t, int64(180), state.TimeSpentSeconds)
}

func TestCommandValidation(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		ok   bool
	}{
		{"start ok", StartSessionCommand{User: uuid.New(), SubjectID: uuid.New()}, true},
		{"start missing user", StartSessionCommand{SubjectID: uuid.New()}, false},
		{"start missing subject", StartSessionCommand{User: uuid.New()}, false},
		{"end ok", EndSessionCommand{SessionID: "s1", User: uuid.New()}, true},
		{"end missing session", EndSessionCommand{User: uuid.New()}, false},
		{"progress ok", RecordProgressCommand{SessionID: "s1", User: uuid.New(), ProgressPercent: 50}, true},
		{"progress out of range", RecordProgressCommand{SessionID: "s1", User: uuid.New(), ProgressPercent: 101}, false},
		{"progress negative time", RecordProgressCommand{SessionID: "s1", User: uuid.New(), TimeSpentSeconds: -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRegisterBindsAllCommands(t *testing.T) {
	f := newCommandFixture(t)
	bus := NewCommandBus(zerolog.Nop())
	require.NoError(t, f.handlers.Register(bus))

	res := bus.Dispatch(context.Background(), StartSessionCommand{
		SessionID: "s1", User: f.user, SubjectID: f.subject,
	})
	assert.Equal(t, StatusSucceeded, res.Status)

	// A second registration attempt must fail loudly.
	assert.ErrorIs(t, f.handlers.Register(bus), ErrDuplicateHandler)
}
