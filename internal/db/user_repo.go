package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"chatpulse/internal/types"
)

// UserRepository provides read access to the users table. The pipeline only
// ever reads users; account management belongs to the external REST surface.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given database
// connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// ListActive returns all active users, the candidate pool for a planning
// cycle.
func (r *UserRepository) ListActive(ctx context.Context) ([]*types.User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, username, email, is_active, created_at
		 FROM users
		 WHERE is_active = TRUE
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active users", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		u := &types.User{}
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.IsActive, &u.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user row", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate user rows", err)
	}

	return users, nil
}

// GetByID returns one user, or a not-found AppError when the id is unknown.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	u := &types.User{}
	err := r.db.QueryRow(ctx,
		`SELECT id, username, email, is_active, created_at
		 FROM users
		 WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Username, &u.Email, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user", err)
	}
	return u, nil
}
