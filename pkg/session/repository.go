package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrAttemptNotFound is returned when no attempt exists for the given ID.
var ErrAttemptNotFound = errors.New("session: attempt not found")

// Repository stores the state of in-flight login attempts for hosts that do
// not bring their own session store. One record per attempt; records are
// deleted when the attempt reaches a terminal outcome.
type Repository interface {
	// Create stores a fresh attempt for the user and returns it.
	Create(ctx context.Context, username string) (*Attempt, error)

	// Get returns the attempt with the given ID.
	Get(ctx context.Context, id uuid.UUID) (*Attempt, error)

	// Save persists the attempt's current state.
	Save(ctx context.Context, attempt *Attempt) error

	// Delete removes the attempt. Deleting an unknown ID is not an error.
	Delete(ctx context.Context, id uuid.UUID) error
}
