package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/virtool/jobrunner/internal/store"
	"github.com/virtool/jobrunner/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("virtool_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations twice; the second run must be a no-op.
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func truncateAll(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`TRUNCATE jobs, analyses, samples, uploads, indexes, otu_sequences, subtractions,
		   user_grants, api_keys, users CASCADE`)
	require.NoError(t, err)
}

func TestPostgresStore_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)

	runContract(t, func(t *testing.T) store.Store {
		truncateAll(t, pool)
		return store.NewPostgresStore(pool)
	})
}

func TestPostgresStore_Ping(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	assert.NoError(t, s.Ping(context.Background()))
}

// --- API Key Tests ---

func createUser(t *testing.T, s store.Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateUser(context.Background(), &models.User{ID: id, Handle: id, CreatedAt: time.Now().UTC()}))
}

func TestAPIKey_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	createUser(t, s, "bob")

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    "bob",
		Name:      "test-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "vt_abcde",
		CreatedAt: now,
		UpdatedAt: now,
	}

	require.NoError(t, s.CreateAPIKey(ctx, key))
	assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)

	keys, err := s.GetAPIKeyByPrefix(ctx, "vt_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, "bob", keys[0].UserID)
	assert.Nil(t, keys[0].LastUsedAt)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "vt_abcde")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestAPIKey_ListAndRevoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	createUser(t, s, "bob")
	now := time.Now().UTC().Truncate(time.Microsecond)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids = append(ids, id)
		require.NoError(t, s.CreateAPIKey(ctx, &models.APIKey{
			ID:        id,
			UserID:    "bob",
			Name:      "key-" + uuid.NewString()[:4],
			KeyHash:   "hash-" + uuid.NewString()[:4],
			KeyPrefix: "vt_" + uuid.NewString()[:5],
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	keys, err := s.ListAPIKeys(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	require.NoError(t, s.RevokeAPIKey(ctx, ids[0], "bob"))
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, ids[0], "bob"), store.ErrNotFound)
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, ids[1], "alice"), store.ErrNotFound)

	keys, err = s.ListAPIKeys(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
