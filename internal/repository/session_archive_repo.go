package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"studymate-backend/internal/models"
)

// SessionArchiveRepo persists terminal session snapshots. The live store is
// purely in-memory; this archive is the periodic-export collaborator used by
// dashboards after a session ends.
type SessionArchiveRepo struct {
	pool *pgxpool.Pool
}

func NewSessionArchiveRepo(pool *pgxpool.Pool) *SessionArchiveRepo {
	return &SessionArchiveRepo{pool: pool}
}

func (r *SessionArchiveRepo) Archive(ctx context.Context, s models.SessionSummary) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_archive (
			session_id, user_id, subject_id, started_at, ended_at,
			active_seconds, focus_score, pace, efficiency, progress_percent
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_id) DO NOTHING
	`, s.SessionID, s.UserID, s.SubjectID, s.StartedAt, s.EndedAt,
		s.ActiveSeconds, s.FocusScore, s.Pace, s.Efficiency, s.ProgressPercent)
	return err
}

// RecentByUser returns the user's most recently ended sessions, newest first.
func (r *SessionArchiveRepo) RecentByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.SessionSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT session_id, user_id, subject_id, started_at, ended_at,
		       active_seconds, focus_score, pace, efficiency, progress_percent
		FROM session_archive
		WHERE user_id = $1
		ORDER BY ended_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var s models.SessionSummary
		if err := rows.Scan(
			&s.SessionID, &s.UserID, &s.SubjectID, &s.StartedAt, &s.EndedAt,
			&s.ActiveSeconds, &s.FocusScore, &s.Pace, &s.Efficiency, &s.ProgressPercent,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
