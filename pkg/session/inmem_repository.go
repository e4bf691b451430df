package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository implements Repository using in-memory storage. Suitable
// for single-instance deployments and tests.
type InMemoryRepository struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID]*Attempt
}

// NewInMemoryRepository creates a new in-memory attempt repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		attempts: make(map[uuid.UUID]*Attempt),
	}
}

func (r *InMemoryRepository) Create(ctx context.Context, username string) (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	attempt := &Attempt{
		ID:        uuid.New(),
		Username:  username,
		State:     NewState(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.attempts[attempt.ID] = cloneAttempt(attempt)
	return attempt, nil
}

func (r *InMemoryRepository) Get(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	attempt, ok := r.attempts[id]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return cloneAttempt(attempt), nil
}

func (r *InMemoryRepository) Save(ctx context.Context, attempt *Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.attempts[attempt.ID]; !ok {
		return ErrAttemptNotFound
	}
	attempt.UpdatedAt = time.Now().UTC()
	r.attempts[attempt.ID] = cloneAttempt(attempt)
	return nil
}

func (r *InMemoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.attempts, id)
	return nil
}

// cloneAttempt copies the attempt so callers never share the stored State.
func cloneAttempt(attempt *Attempt) *Attempt {
	cloned := *attempt
	if attempt.State != nil {
		state := *attempt.State
		cloned.State = &state
	}
	return &cloned
}
