package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for a unique index conflict.
const uniqueViolation = "23505"

// Store manages user accounts in PostgreSQL.
type Store struct {
	db         *sql.DB
	bcryptCost int
}

// NewStore creates a user store. bcryptCost 0 means bcrypt.DefaultCost.
func NewStore(db *sql.DB, bcryptCost int) *Store {
	return &Store{db: db, bcryptCost: bcryptCost}
}

// Create registers a user. Duplicate usernames or emails return
// ErrUserExists.
func (s *Store) Create(ctx context.Context, nu NewUser) (*User, error) {
	roles, err := normalizeRoles(nu.Roles)
	if err != nil {
		return nil, err
	}

	hash, err := HashPassword(nu.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username:     nu.Username,
		Email:        nu.Email,
		PasswordHash: hash,
		Roles:        roles,
	}

	const query = `
		INSERT INTO users (username, email, password_hash, roles)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err = s.db.QueryRowContext(ctx, query, u.Username, u.Email, u.PasswordHash, pq.Array(u.Roles)).
		Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("account: insert user: %w", err)
	}
	return u, nil
}

// Authenticate looks up username and checks password. It returns ErrNotFound
// for an unknown user and ErrInvalidCredentials for a wrong password.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*User, error) {
	u, err := s.findOne(ctx, `WHERE username = $1`, username)
	if err != nil {
		return nil, err
	}
	if err := VerifyPassword(u.PasswordHash, password); err != nil {
		return nil, err
	}
	return u, nil
}

// FindByID returns the user with the given id.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.findOne(ctx, `WHERE id = $1`, id)
}

func (s *Store) findOne(ctx context.Context, where string, arg interface{}) (*User, error) {
	query := `SELECT id, username, email, password_hash, roles, created_at FROM users ` + where

	var u User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, pq.Array(&u.Roles), &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account: find user: %w", err)
	}
	return &u, nil
}
