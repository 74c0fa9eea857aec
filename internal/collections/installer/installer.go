// Package installer provides the pluggable strategies that fetch and unpack
// remote tile collection archives.
package installer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tilemosaic/mosaicd/internal/config"
)

// Installer fetches the remote asset described by cfg and unpacks its images
// into destDir.
type Installer interface {
	Install(ctx context.Context, cfg config.TileCollectionConfig, destDir string) error
}

// Factory resolves an installer by the catalog's installer type.
type Factory func(installerType string) (Installer, error)

// NewFactory returns the default factory. Called once at server startup.
func NewFactory(downloadTimeout time.Duration) Factory {
	return func(installerType string) (Installer, error) {
		switch strings.ToLower(installerType) {
		case "zip":
			return NewZipInstaller(downloadTimeout), nil
		default:
			return nil, fmt.Errorf("no installer for type %q", installerType)
		}
	}
}

// isImageFile reports whether name has a recognized tile image extension.
func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
