package cqrs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommand struct {
	user    uuid.UUID
	invalid bool
}

func (c fakeCommand) Type() string      { return "fake" }
func (c fakeCommand) UserID() uuid.UUID { return c.user }
func (c fakeCommand) Validate() error {
	if c.invalid {
		return errors.New("bad payload")
	}
	return nil
}

type fakeQuery struct {
	user      uuid.UUID
	cacheable bool
	tags      []string
}

func (q fakeQuery) Type() string        { return "fake_query" }
func (q fakeQuery) UserID() uuid.UUID   { return q.user }
func (q fakeQuery) CacheKey() string    { return "fake_query" }
func (q fakeQuery) CacheTags() []string { return q.tags }
func (q fakeQuery) Cacheable() bool     { return q.cacheable }

// recordingMiddleware notes the order its hooks fire in.
type recordingMiddleware struct {
	name      string
	trace     *[]string
	beforeErr error
}

func (m *recordingMiddleware) Before(context.Context, Command) error {
	*m.trace = append(*m.trace, m.name+":before")
	return m.beforeErr
}

func (m *recordingMiddleware) After(context.Context, Command, *CommandOutcome) {
	*m.trace = append(*m.trace, m.name+":after")
}

func TestCommandBusRejectsDuplicateHandler(t *testing.T) {
	bus := NewCommandBus(zerolog.Nop())
	handler := CommandHandlerFunc(func(context.Context, Command) (*CommandOutcome, error) {
		return &CommandOutcome{}, nil
	})

	require.NoError(t, bus.Register("fake", handler))
	assert.ErrorIs(t, bus.Register("fake", handler), ErrDuplicateHandler)
}

func TestCommandBusNoHandler(t *testing.T) {
	bus := NewCommandBus(zerolog.Nop())

	res := bus.Dispatch(context.Background(), fakeCommand{user: uuid.New()})
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrNoHandler)
}

func TestCommandBusMiddlewareOrdering(t *testing.T) {
	bus := NewCommandBus(zerolog.Nop())
	var trace []string
	bus.Use(&recordingMiddleware{name: "a", trace: &trace})
	bus.Use(&recordingMiddleware{name: "b", trace: &trace})

	require.NoError(t, bus.Register("fake", CommandHandlerFunc(
		func(context.Context, Command) (*CommandOutcome, error) {
			trace = append(trace, "handler")
			return &CommandOutcome{Result: "ok"}, nil
		})))

	res := bus.Dispatch(context.Background(), fakeCommand{user: uuid.New()})
	require.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "ok", res.Result)

	// Before in registration order, After reversed.
	assert.Equal(t, []string{"a:before", "b:before", "handler", "b:after", "a:after"}, trace)
}

func TestCommandBusPreMiddlewareShortCircuits(t *testing.T) {
	bus := NewCommandBus(zerolog.Nop())
	var trace []string
	sentinel := errors.New("denied")
	bus.Use(&recordingMiddleware{name: "gate", trace: &trace, beforeErr: sentinel})

	handlerRan := false
	require.NoError(t, bus.Register("fake", CommandHandlerFunc(
		func(context.Context, Command) (*CommandOutcome, error) {
			handlerRan = true
			return &CommandOutcome{}, nil
		})))

	res := bus.Dispatch(context.Background(), fakeCommand{user: uuid.New()})
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, sentinel)
	assert.False(t, handlerRan)
	assert.Equal(t, []string{"gate:before"}, trace)
}

func TestCommandBusHandlerError(t *testing.T) {
	bus := NewCommandBus(zerolog.Nop())
	var trace []string
	bus.Use(&recordingMiddleware{name: "mw", trace: &trace})

	sentinel := errors.New("boom")
	require.NoError(t, bus.Register("fake", CommandHandlerFunc(
		func(context.Context, Command) (*CommandOutcome, error) {
			return nil, sentinel
		})))

	res := bus.Dispatch(context.Background(), fakeCommand{user: uuid.New()})
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, sentinel)
	// The post phase never runs for a failed command.
	assert.NotContains(t, trace, "mw:after")
}

func TestCommandBusTimeoutSkipsPostPhase(t *testing.T) {
	bus := NewCommandBus(zerolog.Nop())
	var trace []string
	bus.Use(&recordingMiddleware{name: "mw", trace: &trace})

	release := make(chan struct{})
	require.NoError(t, bus.Register("fake", CommandHandlerFunc(
		func(ctx context.Context, _ Command) (*CommandOutcome, error) {
			<-release
			return &CommandOutcome{}, nil
		})))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := bus.Dispatch(ctx, fakeCommand{user: uuid.New()})
	close(release)

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.NotContains(t, trace, "mw:after")
}

func TestQueryBusRejectsDuplicateHandler(t *testing.T) {
	bus := NewQueryBus(nil, time.Minute, zerolog.Nop())
	handler := QueryHandlerFunc(func(context.Context, Query) (any, []string, error) {
		return nil, nil, nil
	})

	require.NoError(t, bus.Register("fake_query", handler))
	assert.ErrorIs(t, bus.Register("fake_query", handler), ErrDuplicateHandler)
}

func TestQueryBusDispatchWithoutCache(t *testing.T) {
	bus := NewQueryBus(nil, time.Minute, zerolog.Nop())
	require.NoError(t, bus.Register("fake_query", QueryHandlerFunc(
		func(_ context.Context, q Query) (any, []string, error) {
			return map[string]string{"hello": "world"}, []string{"tag"}, nil
		})))

	res, err := bus.Dispatch(context.Background(), fakeQuery{user: uuid.New(), cacheable: true})
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
	assert.Equal(t, map[string]string{"hello": "world"}, res.Data)
}

func TestQueryBusNoHandler(t *testing.T) {
	bus := NewQueryBus(nil, time.Minute, zerolog.Nop())

	_, err := bus.Dispatch(context.Background(), fakeQuery{user: uuid.New()})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestQueryBusHandlerError(t *testing.T) {
	bus := NewQueryBus(nil, time.Minute, zerolog.Nop())
	sentinel := errors.New("read failed")
	require.NoError(t, bus.Register("fake_query", QueryHandlerFunc(
		func(context.Context, Query) (any, []string, error) {
			return nil, nil, sentinel
		})))

	_, err := bus.Dispatch(context.Background(), fakeQuery{user: uuid.New()})
	assert.ErrorIs(t, err, sentinel)
}
