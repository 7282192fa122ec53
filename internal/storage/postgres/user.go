package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"content_sync/internal/domain"
)

const userColumns = `id, username, name, email, role, created_at, updated_at`

type UserStore struct {
	db *sqlx.DB
}

func NewUserStore(db *sqlx.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &user,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	if err != nil {
		return nil, wrapErr("find user "+username, err)
	}
	return &user, nil
}

func (s *UserStore) Upsert(ctx context.Context, user *domain.User) (int64, error) {
	query := `
		INSERT INTO users (username, name, email, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()), COALESCE($6, NOW()))
		ON CONFLICT (username) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	var id int64
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		user.Username,
		user.Name,
		user.Email,
		user.Role,
		nullTime(user.CreatedAt),
		nullTime(user.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("upsert user "+user.Username, err)
	}
	return id, nil
}

func (s *UserStore) List(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	err := sqlx.SelectContext(ctx, GetExecutor(ctx, s.db), &users,
		`SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, wrapErr("list users", err)
	}
	return users, nil
}

func (s *UserStore) DeleteExcept(ctx context.Context, usernames []string) (int64, error) {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		`DELETE FROM users WHERE NOT (username = ANY($1))`,
		keepList(usernames),
	)
	if err != nil {
		return 0, wrapErr("delete users", err)
	}
	return res.RowsAffected()
}
