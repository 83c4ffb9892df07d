package users

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"kcgate/keycloak"
)

const schema = `
CREATE TABLE IF NOT EXISTS gateway_users (
	username   TEXT PRIMARY KEY,
	email      TEXT NOT NULL DEFAULT '',
	first_name TEXT NOT NULL DEFAULT '',
	last_name  TEXT NOT NULL DEFAULT '',
	active     BOOLEAN NOT NULL DEFAULT TRUE,
	staff      BOOLEAN NOT NULL DEFAULT FALSE,
	last_seen  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const upsertSQL = `
INSERT INTO gateway_users (username, email, first_name, last_name, active, staff, last_seen)
VALUES ($1, $2, $3, $4, TRUE, FALSE, now())
ON CONFLICT (username) DO UPDATE SET
	email      = COALESCE(NULLIF(EXCLUDED.email, ''), gateway_users.email),
	first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), gateway_users.first_name),
	last_name  = COALESCE(NULLIF(EXCLUDED.last_name, ''), gateway_users.last_name),
	last_seen  = now()
RETURNING username, email, first_name, last_name, active, staff, last_seen`

// PostgresStore persists user records via pgx. Staff and active flags
// survive upserts; only display fields and last_seen move.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies the connection, and ensures the
// users table exists.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure users table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, claims *keycloak.Claims) (*User, error) {
	username := usernameFromClaims(claims)
	if username == "" {
		return nil, nil
	}
	first, last := nameFromClaims(claims)

	var u User
	err := s.pool.QueryRow(ctx, upsertSQL, username, claims.Email, first, last).Scan(
		&u.Username, &u.Email, &u.FirstName, &u.LastName, &u.Active, &u.Staff, &u.LastSeen,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user %s: %w", username, err)
	}
	return &u, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
