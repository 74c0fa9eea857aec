// Package collections manages the tile collection catalog: listing, detached
// installation, and uninstallation.
package collections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tilemosaic/mosaicd/internal/collections/installer"
	"github.com/tilemosaic/mosaicd/internal/config"
	"github.com/tilemosaic/mosaicd/internal/storage"
	"github.com/tilemosaic/mosaicd/internal/store"
	"github.com/tilemosaic/mosaicd/pkg/models"
)

var (
	// ErrUnknownCollection means the id is not in the static catalog.
	ErrUnknownCollection = errors.New("unknown collection")
	// ErrInvalidState means the collection's current status does not allow
	// the requested operation.
	ErrInvalidState = errors.New("operation not allowed in current state")
)

// CollectionInfo merges a catalog entry with its durable install state. The
// image count is the verified post-install count when available, otherwise
// the catalog's estimate.
type CollectionInfo struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description"`
	Size        string                  `json:"size"`
	ImageCount  int                     `json:"image_count"`
	Status      models.CollectionStatus `json:"status"`
	InstallDate *time.Time              `json:"install_date,omitempty"`
}

// Service coordinates the catalog, the durable collection state, and the
// installer strategies.
type Service struct {
	store          store.Store
	storage        storage.Storage
	factory        installer.Factory
	catalog        map[string]config.TileCollectionConfig
	order          []string
	installTimeout time.Duration
}

func NewService(s store.Store, fs storage.Storage, factory installer.Factory, catalog []config.TileCollectionConfig, installTimeout time.Duration) *Service {
	byID := make(map[string]config.TileCollectionConfig, len(catalog))
	order := make([]string, 0, len(catalog))
	for _, c := range catalog {
		byID[c.ID] = c
		order = append(order, c.ID)
	}
	return &Service{
		store:          s,
		storage:        fs,
		factory:        factory,
		catalog:        byID,
		order:          order,
		installTimeout: installTimeout,
	}
}

// Init seeds a durable row for every catalog entry. Existing rows keep their
// state, so installed collections survive restarts and catalog edits.
func (s *Service) Init(ctx context.Context) error {
	for _, id := range s.order {
		if err := s.store.EnsureCollection(ctx, id); err != nil {
			return fmt.Errorf("seeding collection %q: %w", id, err)
		}
	}
	return nil
}

// List returns every catalog entry in catalog order, merged with its install
// state. Rows without a catalog entry (removed from the config) are omitted.
func (s *Service) List(ctx context.Context) ([]CollectionInfo, error) {
	rows, err := s.store.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}

	byID := make(map[string]*models.TileCollection, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	out := make([]CollectionInfo, 0, len(s.order))
	for _, id := range s.order {
		cfg := s.catalog[id]
		info := CollectionInfo{
			ID:          id,
			Name:        cfg.Name,
			Description: cfg.Description,
			Size:        cfg.Size,
			ImageCount:  cfg.ImageCount,
			Status:      models.CollectionNotInstalled,
		}
		if row, ok := byID[id]; ok {
			info.Status = row.Status
			info.InstallDate = row.InstallDate
			if row.TrueImageCount >= 0 {
				info.ImageCount = row.TrueImageCount
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// Get returns the merged view of one collection.
func (s *Service) Get(ctx context.Context, id string) (*CollectionInfo, error) {
	cfg, ok := s.catalog[id]
	if !ok {
		return nil, ErrUnknownCollection
	}

	info := CollectionInfo{
		ID:          id,
		Name:        cfg.Name,
		Description: cfg.Description,
		Size:        cfg.Size,
		ImageCount:  cfg.ImageCount,
		Status:      models.CollectionNotInstalled,
	}
	row, err := s.store.GetCollection(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if row != nil {
		info.Status = row.Status
		info.InstallDate = row.InstallDate
		if row.TrueImageCount >= 0 {
			info.ImageCount = row.TrueImageCount
		}
	}
	return &info, nil
}

// StartInstallation claims the collection and kicks off the detached install.
// It returns as soon as the claim succeeds; the download, extraction, and
// preview generation continue in the background. A second start while the
// first is running loses the claim and gets ErrInvalidState.
func (s *Service) StartInstallation(ctx context.Context, id string) error {
	cfg, ok := s.catalog[id]
	if !ok {
		return ErrUnknownCollection
	}

	inst, err := s.factory(cfg.Installer)
	if err != nil {
		return fmt.Errorf("resolving installer for %q: %w", id, err)
	}

	if err := s.store.ClaimCollection(ctx, id); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: collection %q is not installable", ErrInvalidState, id)
		}
		return fmt.Errorf("claiming collection %q: %w", id, err)
	}

	go s.runInstall(cfg, inst)
	slog.Info("collection installation started", "collection_id", id)
	return nil
}

// runInstall is the detached installation body. It deliberately does not use
// the request context: the HTTP request that triggered it has long since
// returned.
func (s *Service) runInstall(cfg config.TileCollectionConfig, inst installer.Installer) {
	ctx, cancel := context.WithTimeout(context.Background(), s.installTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("collection install panicked", "collection_id", cfg.ID, "panic", r)
			s.reset(cfg.ID)
		}
	}()

	if err := s.install(ctx, cfg, inst); err != nil {
		slog.Error("collection install failed", "collection_id", cfg.ID, "error", err)
		s.reset(cfg.ID)
	}
}

func (s *Service) install(ctx context.Context, cfg config.TileCollectionConfig, inst installer.Installer) error {
	destDir, err := s.storage.EnsureCollectionDir(cfg.ID)
	if err != nil {
		return err
	}

	if err := inst.Install(ctx, cfg, destDir); err != nil {
		return err
	}

	files, err := s.storage.ListCollectionFiles(cfg.ID)
	if err != nil {
		return err
	}

	for _, f := range files {
		if err := s.storage.GeneratePreview(f); err != nil {
			slog.Warn("could not generate tile preview", "collection_id", cfg.ID, "file", f, "error", err)
		}
	}

	// The finishing write must land even when the install context already
	// timed out during preview generation.
	if err := s.store.CompleteInstallation(context.Background(), cfg.ID, len(files), time.Now().UTC()); err != nil {
		return fmt.Errorf("completing installation: %w", err)
	}

	slog.Info("collection installed", "collection_id", cfg.ID, "image_count", len(files))
	return nil
}

// reset returns a failed collection to notinstalled so it can be retried.
// Extracted files, if any, are removed.
func (s *Service) reset(id string) {
	if err := s.storage.RemoveCollectionDir(id); err != nil {
		slog.Error("could not remove collection dir after failed install", "collection_id", id, "error", err)
	}
	if err := s.store.ResetInstallation(context.Background(), id); err != nil {
		slog.Error("could not reset collection state", "collection_id", id, "error", err)
	}
}

// Uninstall removes an installed collection's files and returns it to
// notinstalled. Collections that are mid-install or not installed are
// rejected.
func (s *Service) Uninstall(ctx context.Context, id string) error {
	if _, ok := s.catalog[id]; !ok {
		return ErrUnknownCollection
	}

	if err := s.store.UninstallCollection(ctx, id); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("%w: collection %q is not installed", ErrInvalidState, id)
		}
		return fmt.Errorf("uninstalling collection %q: %w", id, err)
	}

	if err := s.storage.RemoveCollectionDir(id); err != nil {
		return fmt.Errorf("removing collection files: %w", err)
	}
	slog.Info("collection uninstalled", "collection_id", id)
	return nil
}
