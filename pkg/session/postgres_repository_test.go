package session

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, Schema)
	require.NoError(t, err)

	return pool
}

func TestPostgresRepositoryLifecycle(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	repo := NewPostgresRepository(pool)

	attempt, err := repo.Create(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, attempt)

	loaded, err := repo.Get(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Username)
	assert.Equal(t, 1, loaded.State.LoadCounter)

	loaded.State.Mode = ModeWebAuthn
	loaded.State.TransactionID = "tx-77"
	loaded.State.WebAuthnSignRequest = `{"challenge":"abc"}`
	require.NoError(t, repo.Save(ctx, loaded))

	reloaded, err := repo.Get(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeWebAuthn, reloaded.State.Mode)
	assert.Equal(t, "tx-77", reloaded.State.TransactionID)
	assert.Equal(t, `{"challenge":"abc"}`, reloaded.State.WebAuthnSignRequest)

	require.NoError(t, repo.Delete(ctx, attempt.ID))
	_, err = repo.Get(ctx, attempt.ID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestPostgresRepositoryDeleteStale(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	repo := NewPostgresRepository(pool)

	attempt, err := repo.Create(ctx, "alice")
	require.NoError(t, err)

	// Nothing is older than an hour yet.
	require.NoError(t, repo.DeleteStale(ctx, time.Hour))
	_, err = repo.Get(ctx, attempt.ID)
	require.NoError(t, err)

	// With a zero max age everything is stale.
	require.NoError(t, repo.DeleteStale(ctx, 0))
	_, err = repo.Get(ctx, attempt.ID)
	assert.ErrorIs(t, err, ErrAttemptNotFound)
}
