package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tilemosaic/mosaicd/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

const jobColumns = `id, token, project_id, target_image_id, status, progress, n,
	 algorithm, color_space, subdivisions, repetitions, crop_count, started_at, finished_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Token, &j.ProjectID, &j.TargetImageID, &j.Status, &j.Progress, &j.N,
		&j.Algorithm, &j.ColorSpace, &j.Subdivisions, &j.Repetitions, &j.CropCount, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, token, project_id, target_image_id, status, progress, n,
		   algorithm, color_space, subdivisions, repetitions, crop_count, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.Token, job.ProjectID, job.TargetImageID, job.Status, job.Progress, job.N,
		job.Algorithm, job.ColorSpace, job.Subdivisions, job.Repetitions, job.CropCount, job.StartedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetProjectJob(ctx context.Context, projectID, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND project_id = $2`, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, projectID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE project_id = $1 ORDER BY started_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	u := BuildJobUpdate(opts...)

	sets := []string{"status = $2"}
	args := []any{id, status}
	argIdx := 3

	if u.Progress != nil {
		sets = append(sets, fmt.Sprintf("progress = $%d", argIdx))
		args = append(args, *u.Progress)
		argIdx++
	}
	if u.FinishedAt != nil {
		sets = append(sets, fmt.Sprintf("finished_at = $%d", argIdx))
		args = append(args, *u.FinishedAt)
		argIdx++
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Projects & images ---

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, owner_name, name, created_at) VALUES ($1, $2, $3, $4)`,
		project.ID, project.OwnerName, project.Name, project.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) ProjectExists(ctx context.Context, owner string, projectID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1 AND owner_name = $2)`,
		projectID, owner).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check project: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetProjectOwner(ctx context.Context, projectID uuid.UUID) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_name FROM projects WHERE id = $1`, projectID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get project owner: %w", err)
	}
	return owner, nil
}

func (s *PostgresStore) CreateImage(ctx context.Context, image *models.ImageRef) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO images (id, project_id, name, content_type, file_path, is_target, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		image.ID, image.ProjectID, image.Name, image.ContentType, image.FilePath, image.IsTarget, image.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create image: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTargetImage(ctx context.Context, imageID uuid.UUID) (*models.ImageRef, error) {
	var img models.ImageRef
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, name, content_type, file_path, is_target, created_at
		 FROM images WHERE id = $1 AND is_target`, imageID,
	).Scan(&img.ID, &img.ProjectID, &img.Name, &img.ContentType, &img.FilePath, &img.IsTarget, &img.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get target image: %w", err)
	}
	return &img, nil
}

func (s *PostgresStore) ListTileImagePaths(ctx context.Context, projectID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT file_path FROM images WHERE project_id = $1 AND NOT is_target ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tile image paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan tile image path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (s *PostgresStore) CountTileImages(ctx context.Context, projectID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM images WHERE project_id = $1 AND NOT is_target`, projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tile images: %w", err)
	}
	return count, nil
}

// --- Tile collections ---

func (s *PostgresStore) EnsureCollection(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tile_collections (id, status, true_image_count)
		 VALUES ($1, $2, -1)
		 ON CONFLICT (id) DO NOTHING`,
		id, models.CollectionNotInstalled)
	if err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCollection(ctx context.Context, id string) (*models.TileCollection, error) {
	var c models.TileCollection
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, install_date, true_image_count FROM tile_collections WHERE id = $1`, id,
	).Scan(&c.ID, &c.Status, &c.InstallDate, &c.TrueImageCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get collection: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCollections(ctx context.Context) ([]*models.TileCollection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, install_date, true_image_count FROM tile_collections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	var collections []*models.TileCollection
	for rows.Next() {
		var c models.TileCollection
		if err := rows.Scan(&c.ID, &c.Status, &c.InstallDate, &c.TrueImageCount); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		collections = append(collections, &c)
	}
	return collections, rows.Err()
}

// ClaimCollection atomically moves a collection from notinstalled to
// downloading. A lost swap (any other current status) returns ErrConflict, so
// only one install attempt can hold the claim at a time.
func (s *PostgresStore) ClaimCollection(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tile_collections SET status = $2 WHERE id = $1 AND status = $3`,
		id, models.CollectionDownloading, models.CollectionNotInstalled)
	if err != nil {
		return fmt.Errorf("claim collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost swap.
		if _, err := s.GetCollection(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) CompleteInstallation(ctx context.Context, id string, trueImageCount int, installedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tile_collections SET status = $2, install_date = $3, true_image_count = $4 WHERE id = $1`,
		id, models.CollectionReady, installedAt, trueImageCount)
	if err != nil {
		return fmt.Errorf("complete installation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetInstallation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tile_collections SET status = $2, install_date = NULL, true_image_count = -1 WHERE id = $1`,
		id, models.CollectionNotInstalled)
	if err != nil {
		return fmt.Errorf("reset installation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UninstallCollection resets a ready collection. It refuses to touch a row in
// any other status so an uninstall can never race an in-flight install.
func (s *PostgresStore) UninstallCollection(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tile_collections SET status = $2, install_date = NULL, true_image_count = -1
		 WHERE id = $1 AND status = $3`,
		id, models.CollectionNotInstalled, models.CollectionReady)
	if err != nil {
		return fmt.Errorf("uninstall collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCollection(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
