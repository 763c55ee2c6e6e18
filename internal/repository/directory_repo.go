package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserProfile is the thin identity view this core consumes. Authentication
// and profile management live elsewhere; this is a read-only lookup.
type UserProfile struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Permissions []string  `json:"permissions"`
}

// SubjectInfo is the thin content-catalog view this core consumes.
type SubjectInfo struct {
	SubjectID uuid.UUID `json:"subject_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
}

// UserDirectory resolves a user identifier to a profile.
type UserDirectory interface {
	LookupUser(ctx context.Context, userID uuid.UUID) (UserProfile, error)
}

// SubjectCatalog resolves a subject identifier to its metadata.
type SubjectCatalog interface {
	LookupSubject(ctx context.Context, subjectID uuid.UUID) (SubjectInfo, error)
}

type DirectoryRepo struct {
	pool *pgxpool.Pool
}

func NewDirectoryRepo(pool *pgxpool.Pool) *DirectoryRepo {
	return &DirectoryRepo{pool: pool}
}

func (r *DirectoryRepo) LookupUser(ctx context.Context, userID uuid.UUID) (UserProfile, error) {
	var p UserProfile
	err := r.pool.QueryRow(ctx, `
		SELECT id, display_name, permissions
		FROM users
		WHERE id = $1 AND is_active = TRUE
	`, userID).Scan(&p.UserID, &p.DisplayName, &p.Permissions)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserProfile{}, ErrNotFound
	}
	if err != nil {
		return UserProfile{}, err
	}
	return p, nil
}

func (r *DirectoryRepo) LookupSubject(ctx context.Context, subjectID uuid.UUID) (SubjectInfo, error) {
	var s SubjectInfo
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, category
		FROM subjects
		WHERE id = $1 AND is_active = TRUE
	`, subjectID).Scan(&s.SubjectID, &s.Name, &s.Category)
	if errors.Is(err, pgx.ErrNoRows) {
		return SubjectInfo{}, ErrNotFound
	}
	if err != nil {
		return SubjectInfo{}, err
	}
	return s, nil
}
