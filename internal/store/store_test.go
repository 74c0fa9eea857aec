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
	"github.com/tilemosaic/mosaicd/internal/store"
	"github.com/tilemosaic/mosaicd/pkg/models"
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
		postgres.WithDatabase("mosaicd_test"),
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

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// seedProject inserts a project with one target image and n tile images.
func seedProject(t *testing.T, s store.Store, owner string, tiles int) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	projectID := uuid.New()
	require.NoError(t, s.CreateProject(ctx, &models.Project{
		ID:        projectID,
		OwnerName: owner,
		Name:      "holiday-mosaics",
		CreatedAt: now,
	}))

	targetID := uuid.New()
	require.NoError(t, s.CreateImage(ctx, &models.ImageRef{
		ID:          targetID,
		ProjectID:   projectID,
		Name:        "target.jpg",
		ContentType: "image/jpeg",
		FilePath:    "users/" + owner + "/target.jpg",
		IsTarget:    true,
		CreatedAt:   now,
	}))

	for i := 0; i < tiles; i++ {
		require.NoError(t, s.CreateImage(ctx, &models.ImageRef{
			ID:          uuid.New(),
			ProjectID:   projectID,
			Name:        "tile.jpg",
			ContentType: "image/jpeg",
			FilePath:    "users/" + owner + "/tiles/" + uuid.NewString() + ".jpg",
			CreatedAt:   now,
		}))
	}

	return projectID, targetID
}

func newJob(projectID, targetID uuid.UUID) *models.Job {
	return &models.Job{
		ID:            uuid.New(),
		Token:         uuid.NewString(),
		ProjectID:     projectID,
		TargetImageID: targetID,
		Status:        models.JobCreated,
		N:             100,
		Algorithm:     "greedy",
		ColorSpace:    "lab",
		Subdivisions:  4,
		Repetitions:   1,
		CropCount:     3,
		StartedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	projectID, targetID := seedProject(t, s, "alice", 2)
	job := newJob(projectID, targetID)
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Token, got.Token)
	assert.Equal(t, models.JobCreated, got.Status)
	assert.Equal(t, "greedy", got.Algorithm)
	assert.Equal(t, 4, got.Subdivisions)
	assert.Nil(t, got.FinishedAt)

	scoped, err := s.GetProjectJob(ctx, projectID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, scoped.ID)

	_, err = s.GetProjectJob(ctx, uuid.New(), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_UpdateStatusWithProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	projectID, targetID := seedProject(t, s, "alice", 0)
	job := newJob(projectID, targetID)
	require.NoError(t, s.CreateJob(ctx, job))

	err := s.UpdateJobStatus(ctx, job.ID, models.JobProcessing, store.WithProgress(0.42))
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.InDelta(t, 0.42, got.Progress, 1e-9)
}

func TestJob_UpdateStatusWithFinishedAt(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	projectID, targetID := seedProject(t, s, "alice", 0)
	job := newJob(projectID, targetID)
	require.NoError(t, s.CreateJob(ctx, job))

	finished := time.Now().UTC().Truncate(time.Microsecond)
	err := s.UpdateJobStatus(ctx, job.ID, models.JobFinished, store.WithFinishedAt(finished))
	require.NoError(t, err)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFinished, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, finished, got.FinishedAt.UTC())
}

func TestJob_UpdateStatusNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.UpdateJobStatus(context.Background(), uuid.New(), models.JobProcessing)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_ListAndDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	projectID, targetID := seedProject(t, s, "alice", 0)
	j1 := newJob(projectID, targetID)
	j2 := newJob(projectID, targetID)
	require.NoError(t, s.CreateJob(ctx, j1))
	require.NoError(t, s.CreateJob(ctx, j2))

	jobs, err := s.ListJobs(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	require.NoError(t, s.DeleteJob(ctx, j1.ID))
	jobs, err = s.ListJobs(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	assert.ErrorIs(t, s.DeleteJob(ctx, j1.ID), store.ErrNotFound)
}

// --- Project & image Tests ---

func TestProject_ExistsAndOwner(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	projectID, _ := seedProject(t, s, "alice", 0)

	exists, err := s.ProjectExists(ctx, "alice", projectID)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.ProjectExists(ctx, "bob", projectID)
	require.NoError(t, err)
	assert.False(t, exists)

	owner, err := s.GetProjectOwner(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	_, err = s.GetProjectOwner(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImages_TargetAndTiles(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	projectID, targetID := seedProject(t, s, "alice", 5)

	img, err := s.GetTargetImage(ctx, targetID)
	require.NoError(t, err)
	assert.True(t, img.IsTarget)
	assert.Equal(t, projectID, img.ProjectID)

	count, err := s.CountTileImages(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	paths, err := s.ListTileImagePaths(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, paths, 5)

	// A tile image id is not a valid target.
	_, err = s.GetTargetImage(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Tile collection Tests ---

func TestCollection_EnsureIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "flowers"))
	require.NoError(t, s.EnsureCollection(ctx, "flowers"))

	c, err := s.GetCollection(ctx, "flowers")
	require.NoError(t, err)
	assert.Equal(t, models.CollectionNotInstalled, c.Status)
	assert.Equal(t, -1, c.TrueImageCount)
	assert.Nil(t, c.InstallDate)
}

func TestCollection_ClaimIsExclusive(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "flowers"))
	require.NoError(t, s.ClaimCollection(ctx, "flowers"))

	// Second claim loses the swap.
	assert.ErrorIs(t, s.ClaimCollection(ctx, "flowers"), store.ErrConflict)

	c, err := s.GetCollection(ctx, "flowers")
	require.NoError(t, err)
	assert.Equal(t, models.CollectionDownloading, c.Status)
}

func TestCollection_ClaimNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	assert.ErrorIs(t, s.ClaimCollection(context.Background(), "missing"), store.ErrNotFound)
}

func TestCollection_CompleteAndUninstall(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "flowers"))
	require.NoError(t, s.ClaimCollection(ctx, "flowers"))

	installedAt := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CompleteInstallation(ctx, "flowers", 120, installedAt))

	c, err := s.GetCollection(ctx, "flowers")
	require.NoError(t, err)
	assert.Equal(t, models.CollectionReady, c.Status)
	assert.Equal(t, 120, c.TrueImageCount)
	require.NotNil(t, c.InstallDate)
	assert.Equal(t, installedAt, c.InstallDate.UTC())

	require.NoError(t, s.UninstallCollection(ctx, "flowers"))
	c, err = s.GetCollection(ctx, "flowers")
	require.NoError(t, err)
	assert.Equal(t, models.CollectionNotInstalled, c.Status)
	assert.Equal(t, -1, c.TrueImageCount)
	assert.Nil(t, c.InstallDate)

	// Already uninstalled: conditional reset loses.
	assert.ErrorIs(t, s.UninstallCollection(ctx, "flowers"), store.ErrConflict)
}

func TestCollection_UninstallWhileDownloading(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "flowers"))
	require.NoError(t, s.ClaimCollection(ctx, "flowers"))

	assert.ErrorIs(t, s.UninstallCollection(ctx, "flowers"), store.ErrConflict)
}

func TestCollection_ResetInstallation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "flowers"))
	require.NoError(t, s.ClaimCollection(ctx, "flowers"))
	require.NoError(t, s.ResetInstallation(ctx, "flowers"))

	c, err := s.GetCollection(ctx, "flowers")
	require.NoError(t, err)
	assert.Equal(t, models.CollectionNotInstalled, c.Status)
	assert.Equal(t, -1, c.TrueImageCount)
}

func TestCollection_List(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, "birds"))
	require.NoError(t, s.EnsureCollection(ctx, "flowers"))

	collections, err := s.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, collections, 2)
	assert.Equal(t, "birds", collections[0].ID)
	assert.Equal(t, "flowers", collections[1].ID)
}

// --- API Key Tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      "ops-key",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "mk_abcd1",
		Scopes:    []string{"admin"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "mk_abcd1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, []string{"admin"}, keys[0].Scopes)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "mk_abcd1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	assert.NoError(t, s.Ping(context.Background()))
}
