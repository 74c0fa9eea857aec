// Package storage owns the on-disk layout of uploads, mosaic artifacts, and
// installed tile collections.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const previewSizePx = 32

// Storage is the filesystem collaborator consumed by the job and collection
// registries.
type Storage interface {
	MosaicExists(owner string, projectID, jobID uuid.UUID) bool
	MosaicPath(owner string, projectID, jobID uuid.UUID) string
	DeleteMosaic(owner string, projectID, jobID uuid.UUID) error
	ResolveImagePath(relPath string) string
	EnsureCollectionDir(collectionID string) (string, error)
	RemoveCollectionDir(collectionID string) error
	ListCollectionFiles(collectionID string) ([]string, error)
	GeneratePreview(srcPath string) error
}

// FSStorage implements Storage rooted at a single upload directory.
type FSStorage struct {
	root string
}

// NewFSStorage creates the root directory if needed and returns the storage.
func NewFSStorage(root string) (*FSStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve upload path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload path: %w", err)
	}
	return &FSStorage{root: abs}, nil
}

func (s *FSStorage) mosaicDir(owner string, projectID, jobID uuid.UUID) string {
	return filepath.Join(s.root, "users", owner, "projects", projectID.String(), "mosaics", jobID.String())
}

// MosaicPath returns where the worker is expected to place the finished
// mosaic for a job.
func (s *FSStorage) MosaicPath(owner string, projectID, jobID uuid.UUID) string {
	return filepath.Join(s.mosaicDir(owner, projectID, jobID), "mosaic.jpg")
}

func (s *FSStorage) MosaicExists(owner string, projectID, jobID uuid.UUID) bool {
	_, err := os.Stat(s.MosaicPath(owner, projectID, jobID))
	return err == nil
}

// DeleteMosaic removes a job's entire artifact directory.
func (s *FSStorage) DeleteMosaic(owner string, projectID, jobID uuid.UUID) error {
	return os.RemoveAll(s.mosaicDir(owner, projectID, jobID))
}

// ResolveImagePath turns a stored relative image path into an absolute one
// under the upload root.
func (s *FSStorage) ResolveImagePath(relPath string) string {
	return filepath.Join(s.root, filepath.FromSlash(relPath))
}

func (s *FSStorage) collectionDir(collectionID string) string {
	return filepath.Join(s.root, "collections", collectionID)
}

func (s *FSStorage) EnsureCollectionDir(collectionID string) (string, error) {
	dir := s.collectionDir(collectionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create collection dir: %w", err)
	}
	return dir, nil
}

func (s *FSStorage) RemoveCollectionDir(collectionID string) error {
	return os.RemoveAll(s.collectionDir(collectionID))
}

// ListCollectionFiles returns the absolute paths of all extracted tiles in a
// collection, excluding generated previews.
func (s *FSStorage) ListCollectionFiles(collectionID string) ([]string, error) {
	dir := s.collectionDir(collectionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read collection dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || isPreviewFile(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// GeneratePreview writes a downscaled copy of srcPath next to it, with the
// shorter side at previewSizePx, named <base>_sm<ext>.
func (s *FSStorage) GeneratePreview(srcPath string) error {
	img, err := imaging.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}

	bounds := img.Bounds()
	var width, height int
	if bounds.Dx() < bounds.Dy() {
		width = previewSizePx
	} else {
		height = previewSizePx
	}
	small := imaging.Resize(img, width, height, imaging.Lanczos)

	if err := imaging.Save(small, previewPath(srcPath)); err != nil {
		return fmt.Errorf("save preview: %w", err)
	}
	return nil
}

func previewPath(srcPath string) string {
	ext := filepath.Ext(srcPath)
	return strings.TrimSuffix(srcPath, ext) + "_sm" + ext
}

func isPreviewFile(name string) bool {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.HasSuffix(base, "_sm")
}
