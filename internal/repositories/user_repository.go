package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrUserNotFound = errors.New("user not found")

// UserRepository resolves usernames to ids.
type UserRepository interface {
	FindUserID(ctx context.Context, username string) (int64, error)
}

type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) FindUserID(ctx context.Context, username string) (int64, error) {
	var id int64
	err := r.db.GetContext(ctx, &id, `SELECT id FROM users WHERE username=$1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	return id, err
}
