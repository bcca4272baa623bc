package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Create(ctx context.Context, user *User) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO app_user (id, email, full_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		user.ID, user.Email, user.FullName, user.Role)
	if err := row.Scan(&user.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return &ConflictError{Email: user.Email}
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *pgRepository) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, full_name, role, created_at FROM app_user WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return &u, nil
}

func (r *pgRepository) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, full_name, role, created_at FROM app_user WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &NotFoundError{}
	}
	if err != nil {
		return nil, fmt.Errorf("load user by email: %w", err)
	}
	return &u, nil
}

func (r *pgRepository) List(ctx context.Context, limit, offset int) ([]*User, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM app_user`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, email, full_name, role, created_at
		FROM app_user ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName, &u.Role, &u.CreatedAt); err != nil {
			return nil, 0, err
		}
		users = append(users, &u)
	}
	return users, total, rows.Err()
}
