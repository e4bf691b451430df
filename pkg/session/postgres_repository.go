package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository implements Repository using PostgreSQL. The attempt
// state is stored as a JSONB document, since it is read and written whole on
// every submission and never queried by field.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL attempt repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Schema is the table definition the repository expects.
const Schema = `
CREATE TABLE IF NOT EXISTS mfa_attempts (
	id         UUID PRIMARY KEY,
	username   TEXT NOT NULL,
	state      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func (r *PostgresRepository) Create(ctx context.Context, username string) (*Attempt, error) {
	attempt := &Attempt{
		ID:       uuid.New(),
		Username: username,
		State:    NewState(),
	}
	stateJSON, err := json.Marshal(attempt.State)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attempt state: %w", err)
	}

	query := `
		INSERT INTO mfa_attempts (id, username, state)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`
	err = r.pool.QueryRow(ctx, query, attempt.ID, attempt.Username, stateJSON).
		Scan(&attempt.CreatedAt, &attempt.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt: %w", err)
	}
	return attempt, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	query := `
		SELECT id, username, state, created_at, updated_at
		FROM mfa_attempts
		WHERE id = $1
	`
	attempt := &Attempt{State: &State{}}
	var stateJSON []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&attempt.ID,
		&attempt.Username,
		&stateJSON,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAttemptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	if err := json.Unmarshal(stateJSON, attempt.State); err != nil {
		return nil, fmt.Errorf("failed to decode attempt state: %w", err)
	}
	return attempt, nil
}

func (r *PostgresRepository) Save(ctx context.Context, attempt *Attempt) error {
	stateJSON, err := json.Marshal(attempt.State)
	if err != nil {
		return fmt.Errorf("failed to encode attempt state: %w", err)
	}

	query := `
		UPDATE mfa_attempts
		SET state = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err = r.pool.QueryRow(ctx, query, attempt.ID, stateJSON).Scan(&attempt.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrAttemptNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save attempt: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM mfa_attempts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete attempt: %w", err)
	}
	return nil
}

// DeleteStale removes attempts older than the given age. Login attempts are
// short-lived; anything old enough to hit this was abandoned.
func (r *PostgresRepository) DeleteStale(ctx context.Context, maxAge time.Duration) error {
	query := `DELETE FROM mfa_attempts WHERE updated_at < NOW() - $1::interval`
	_, err := r.pool.Exec(ctx, query, fmt.Sprintf("%d seconds", int(maxAge.Seconds())))
	if err != nil {
		return fmt.Errorf("failed to delete stale attempts: %w", err)
	}
	return nil
}
