package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tilemosaic/mosaicd/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned when a conditional status write loses: claiming a
// collection that is not in the notinstalled state, or uninstalling one that
// is not ready.
var ErrConflict = errors.New("status conflict")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetProjectJob(ctx context.Context, projectID, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, projectID uuid.UUID) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error
	DeleteJob(ctx context.Context, id uuid.UUID) error

	CreateProject(ctx context.Context, project *models.Project) error
	ProjectExists(ctx context.Context, owner string, projectID uuid.UUID) (bool, error)
	GetProjectOwner(ctx context.Context, projectID uuid.UUID) (string, error)
	CreateImage(ctx context.Context, image *models.ImageRef) error
	GetTargetImage(ctx context.Context, imageID uuid.UUID) (*models.ImageRef, error)
	ListTileImagePaths(ctx context.Context, projectID uuid.UUID) ([]string, error)
	CountTileImages(ctx context.Context, projectID uuid.UUID) (int, error)

	EnsureCollection(ctx context.Context, id string) error
	GetCollection(ctx context.Context, id string) (*models.TileCollection, error)
	ListCollections(ctx context.Context) ([]*models.TileCollection, error)
	ClaimCollection(ctx context.Context, id string) error
	CompleteInstallation(ctx context.Context, id string, trueImageCount int, installedAt time.Time) error
	ResetInstallation(ctx context.Context, id string) error
	UninstallCollection(ctx context.Context, id string) error

	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}

// JobUpdate carries the optional fields of a job status update.
type JobUpdate struct {
	Progress   *float64
	FinishedAt *time.Time
}

type JobUpdateOption func(*JobUpdate)

func WithProgress(p float64) JobUpdateOption {
	return func(u *JobUpdate) {
		u.Progress = &p
	}
}

func WithFinishedAt(t time.Time) JobUpdateOption {
	return func(u *JobUpdate) {
		u.FinishedAt = &t
	}
}

// BuildJobUpdate collects options into a JobUpdate. Exported so that fake
// stores in tests can apply the same options the real store does.
func BuildJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}
