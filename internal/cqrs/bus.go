package cqrs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"studymate-backend/internal/cache"
	"studymate-backend/internal/metrics"
	"studymate-backend/internal/models"
)

type CommandStatus string

const (
	StatusSucceeded CommandStatus = "succeeded"
	StatusFailed    CommandStatus = "failed"
)

// Command is an intent to mutate state. Concrete commands carry their own
// payload fields; Validate rejects structurally malformed instances before a
// handler ever runs.
type Command interface {
	Type() string
	UserID() uuid.UUID
	Validate() error
}

// Notification is a broadcast the command produces on success. Publishing
// happens in post-middleware, never inside the handler, so hub writes stay
// centralized and ordered after the mutation committed.
type Notification struct {
	Channel string
	Message models.WSMessage
}

// CommandOutcome is the handler's contract: alongside the result it must
// declare the entity tags it touched, which drives cache invalidation. A
// handler that mutates an entity without declaring it cannot invalidate its
// readers, so the tags are part of the return value rather than a side call.
type CommandOutcome struct {
	Result        any
	AffectedTags  []string
	Notifications []Notification
	Ended         []models.SessionEnded
}

type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) (*CommandOutcome, error)
}

// CommandHandlerFunc adapts a function to the CommandHandler interface.
type CommandHandlerFunc func(ctx context.Context, cmd Command) (*CommandOutcome, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (*CommandOutcome, error) {
	return f(ctx, cmd)
}

// Middleware wraps dispatch with a narrow before/after capability. Before
// runs in registration order and short-circuits the dispatch on error; After
// runs in reverse order and only after the handler succeeded.
type Middleware interface {
	Before(ctx context.Context, cmd Command) error
	After(ctx context.Context, cmd Command, outcome *CommandOutcome)
}

type CommandResult struct {
	CommandID     uuid.UUID     `json:"command_id"`
	Status        CommandStatus `json:"status"`
	Result        any           `json:"result,omitempty"`
	Err           error         `json:"-"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// CommandBus routes commands to exactly one registered handler. The registry
// is built at process startup; a duplicate registration is a programming
// error surfaced immediately rather than a request-time surprise.
type CommandBus struct {
	handlers   map[string]CommandHandler
	middleware []Middleware
	log        zerolog.Logger
}

func NewCommandBus(log zerolog.Logger) *CommandBus {
	return &CommandBus{
		handlers: make(map[string]CommandHandler),
		log:      log,
	}
}

// Register binds the handler for a command type. Exactly one handler per
// type; a second registration fails with ErrDuplicateHandler.
func (b *CommandBus) Register(commandType string, handler CommandHandler) error {
	if _, ok := b.handlers[commandType]; ok {
		return ErrDuplicateHandler
	}
	b.handlers[commandType] = handler
	b.log.Info().Str("command_type", commandType).Msg("command handler registered")
	return nil
}

// Use appends a middleware to the chain.
func (b *CommandBus) Use(mw Middleware) {
	b.middleware = append(b.middleware, mw)
}

type handlerReturn struct {
	outcome *CommandOutcome
	err     error
}

// Dispatch runs the command through pre-middleware, the handler, and the
// post phase. The caller's context bounds the whole dispatch: when the
// deadline fires before the handler has unambiguously committed, the result
// is a Failed(ErrTimeout) and no invalidation or notification happens, so
// readers never observe a half-executed command.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) CommandResult {
	start := time.Now()
	res := CommandResult{CommandID: uuid.New()}

	finish := func(status CommandStatus, err error) CommandResult {
		res.Status = status
		res.Err = err
		res.ExecutionTime = time.Since(start)
		metrics.CommandsTotal.WithLabelValues(cmd.Type(), string(status)).Inc()
		return res
	}

	handler, ok := b.handlers[cmd.Type()]
	if !ok {
		return finish(StatusFailed, ErrNoHandler)
	}

	for _, mw := range b.middleware {
		if err := mw.Before(ctx, cmd); err != nil {
			return finish(StatusFailed, err)
		}
	}

	done := make(chan handlerReturn, 1)
	go func() {
		outcome, err := handler.Handle(ctx, cmd)
		done <- handlerReturn{outcome: outcome, err: err}
	}()

	var ret handlerReturn
	select {
	case <-ctx.Done():
		return finish(StatusFailed, ErrTimeout)
	case ret = <-done:
	}

	if ret.err != nil {
		return finish(StatusFailed, ret.err)
	}
	if ctx.Err() != nil {
		// The handler finished but the caller's budget is spent; without
		// the post phase the mutation stays invisible to cached readers.
		return finish(StatusFailed, ErrTimeout)
	}

	outcome := ret.outcome
	if outcome == nil {
		outcome = &CommandOutcome{}
	}

	for i := len(b.middleware) - 1; i >= 0; i-- {
		b.middleware[i].After(ctx, cmd, outcome)
	}

	b.log.Info().
		Str("command_type", cmd.Type()).
		Str("command_id", res.CommandID.String()).
		Dur("execution_time", time.Since(start)).
		Msg("command executed")

	res.Result = outcome.Result
	return finish(StatusSucceeded, nil)
}

// Query is a read request. CacheKey must be a deterministic function of the
// query's parameters; Cacheable()==false forces handler execution (live and
// administrative views). CacheTags declares, ahead of execution, the entity
// tags every command touching the queried data invalidates; their versions
// fence the cached entry against writes raced by an invalidation.
type Query interface {
	Type() string
	UserID() uuid.UUID
	CacheKey() string
	CacheTags() []string
	Cacheable() bool
}

// QueryHandler computes the result and declares the entity tags it read,
// which index the cached entry for invalidation.
type QueryHandler interface {
	Handle(ctx context.Context, q Query) (data any, tags []string, err error)
}

type QueryHandlerFunc func(ctx context.Context, q Query) (any, []string, error)

func (f QueryHandlerFunc) Handle(ctx context.Context, q Query) (any, []string, error) {
	return f(ctx, q)
}

type QueryResult struct {
	QueryID       uuid.UUID     `json:"query_id"`
	Data          any           `json:"data"`
	CacheHit      bool          `json:"cache_hit"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// QueryBus routes read requests through a read-through tagged cache.
type QueryBus struct {
	handlers map[string]QueryHandler
	cache    *cache.Tagged
	ttl      time.Duration
	log      zerolog.Logger
}

func NewQueryBus(cache *cache.Tagged, ttl time.Duration, log zerolog.Logger) *QueryBus {
	return &QueryBus{
		handlers: make(map[string]QueryHandler),
		cache:    cache,
		ttl:      ttl,
		log:      log,
	}
}

func (b *QueryBus) Register(queryType string, handler QueryHandler) error {
	if _, ok := b.handlers[queryType]; ok {
		return ErrDuplicateHandler
	}
	b.handlers[queryType] = handler
	b.log.Info().Str("query_type", queryType).Msg("query handler registered")
	return nil
}

// Dispatch serves the query from cache when possible, otherwise invokes the
// handler and stores the result tagged with the entities it read.
func (b *QueryBus) Dispatch(ctx context.Context, q Query) (QueryResult, error) {
	start := time.Now()
	res := QueryResult{QueryID: uuid.New()}

	handler, ok := b.handlers[q.Type()]
	if !ok {
		return res, ErrNoHandler
	}

	// The storage key is resolved once, before the handler reads anything.
	// An invalidation committing mid-flight bumps a tag version, so the
	// stale result below is written under a key no later read resolves to.
	storageKey := q.CacheKey()
	useCache := q.Cacheable() && b.cache != nil
	if useCache {
		vkey, err := b.cache.VersionedKey(ctx, q.CacheKey(), q.CacheTags())
		if err != nil {
			b.log.Warn().Err(err).Str("query_type", q.Type()).Msg("tag version read failed; bypassing cache")
			useCache = false
		} else {
			storageKey = vkey
		}
	}

	if useCache {
		cached, hit, err := b.cache.Get(ctx, storageKey)
		if err != nil {
			b.log.Warn().Err(err).Str("query_type", q.Type()).Msg("cache read failed; falling through to handler")
		}
		if hit {
			metrics.QueriesTotal.WithLabelValues(q.Type(), "hit").Inc()
			res.Data = json.RawMessage(cached)
			res.CacheHit = true
			res.ExecutionTime = time.Since(start)
			return res, nil
		}
	}

	data, tags, err := handler.Handle(ctx, q)
	if err != nil {
		metrics.QueriesTotal.WithLabelValues(q.Type(), "error").Inc()
		return res, err
	}
	if ctx.Err() != nil {
		return res, ErrTimeout
	}

	if useCache {
		if err := b.cache.Put(ctx, storageKey, data, tags, b.ttl); err != nil {
			b.log.Warn().Err(err).Str("query_type", q.Type()).Msg("cache write failed")
		}
	}

	label := "miss"
	if !q.Cacheable() {
		label = "bypass"
	}
	metrics.QueriesTotal.WithLabelValues(q.Type(), label).Inc()

	res.Data = data
	res.ExecutionTime = time.Since(start)
	return res, nil
}
