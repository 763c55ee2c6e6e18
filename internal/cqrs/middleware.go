package cqrs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"studymate-backend/internal/cache"
	"studymate-backend/internal/metrics"
	"studymate-backend/internal/models"
	"studymate-backend/internal/repository"
)

// ValidationMiddleware rejects structurally malformed commands before any
// handler or side effect runs.
type ValidationMiddleware struct{}

func NewValidationMiddleware() *ValidationMiddleware { return &ValidationMiddleware{} }

func (m *ValidationMiddleware) Before(_ context.Context, cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (m *ValidationMiddleware) After(context.Context, Command, *CommandOutcome) {}

// AuthorizationMiddleware checks that the issuing user exists and is active.
// Identity itself is established upstream by the JWT layer; this only guards
// against commands issued for deactivated or unknown users.
type AuthorizationMiddleware struct {
	directory repository.UserDirectory
}

func NewAuthorizationMiddleware(directory repository.UserDirectory) *AuthorizationMiddleware {
	return &AuthorizationMiddleware{directory: directory}
}

func (m *AuthorizationMiddleware) Before(ctx context.Context, cmd Command) error {
	if _, err := m.directory.LookupUser(ctx, cmd.UserID()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrUnauthorized
		}
		return fmt.Errorf("user lookup failed: %w", err)
	}
	return nil
}

func (m *AuthorizationMiddleware) After(context.Context, Command, *CommandOutcome) {}

// AuditMiddleware records every dispatch attempt and every committed outcome.
type AuditMiddleware struct {
	log zerolog.Logger
}

func NewAuditMiddleware(log zerolog.Logger) *AuditMiddleware {
	return &AuditMiddleware{log: log}
}

func (m *AuditMiddleware) Before(_ context.Context, cmd Command) error {
	m.log.Debug().
		Str("command_type", cmd.Type()).
		Str("user_id", cmd.UserID().String()).
		Msg("command received")
	return nil
}

func (m *AuditMiddleware) After(_ context.Context, cmd Command, outcome *CommandOutcome) {
	m.log.Info().
		Str("command_type", cmd.Type()).
		Str("user_id", cmd.UserID().String()).
		Strs("affected_tags", outcome.AffectedTags).
		Msg("command committed")
}

// InvalidationMiddleware drops every cache entry indexed by a tag the command
// declared as affected. Running as post-middleware means readers only lose
// their cached view after the mutation has actually committed.
type InvalidationMiddleware struct {
	cache *cache.Tagged
	log   zerolog.Logger
}

func NewInvalidationMiddleware(c *cache.Tagged, log zerolog.Logger) *InvalidationMiddleware {
	return &InvalidationMiddleware{cache: c, log: log}
}

func (m *InvalidationMiddleware) Before(context.Context, Command) error { return nil }

func (m *InvalidationMiddleware) After(ctx context.Context, cmd Command, outcome *CommandOutcome) {
	if m.cache == nil {
		return
	}
	for _, tag := range outcome.AffectedTags {
		// The dispatch context may already be near its deadline; give the
		// invalidation its own small budget so a slow handler cannot leave
		// stale entries behind.
		ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		_, err := m.cache.InvalidateTag(ictx, tag)
		cancel()
		if err != nil {
			m.log.Error().Err(err).
				Str("command_type", cmd.Type()).
				Str("tag", tag).
				Msg("cache invalidation failed")
			continue
		}
		metrics.CacheInvalidationsTotal.Inc()
	}
}

// Broadcaster is the hub surface the notifier middleware needs.
type Broadcaster interface {
	Publish(channel string, msg models.WSMessage)
	PublishSessionEnded(ended models.SessionEnded)
}

// NotifierMiddleware publishes the notifications a committed command declared.
// Terminal session messages go last so subscribers see the final state deltas
// before their channel closes.
type NotifierMiddleware struct {
	hub Broadcaster
}

func NewNotifierMiddleware(hub Broadcaster) *NotifierMiddleware {
	return &NotifierMiddleware{hub: hub}
}

func (m *NotifierMiddleware) Before(context.Context, Command) error { return nil }

func (m *NotifierMiddleware) After(_ context.Context, _ Command, outcome *CommandOutcome) {
	if m.hub == nil {
		return
	}
	for _, n := range outcome.Notifications {
		m.hub.Publish(n.Channel, n.Message)
	}
	for _, ended := range outcome.Ended {
		m.hub.PublishSessionEnded(ended)
	}
}
