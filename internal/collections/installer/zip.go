package installer

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tilemosaic/mosaicd/internal/config"
)

const archiveName = "collection.zip"

// ZipInstaller downloads a remote zip archive and extracts its images,
// flattened, into the destination directory.
type ZipInstaller struct {
	client *http.Client
}

// NewZipInstaller creates a zip installer whose download is bounded by timeout.
func NewZipInstaller(timeout time.Duration) *ZipInstaller {
	return &ZipInstaller{client: &http.Client{Timeout: timeout}}
}

// Install streams the archive to destDir/collection.zip, extracts every image
// entry (optionally restricted to cfg.SubDirectory inside the archive), and
// deletes the archive regardless of the extraction outcome. Entries with
// duplicate flattened names overwrite each other. Partial extraction before a
// failure is not rolled back.
func (z *ZipInstaller) Install(ctx context.Context, cfg config.TileCollectionConfig, destDir string) error {
	archivePath := filepath.Join(destDir, archiveName)

	if err := z.download(ctx, cfg.DownloadURL, archivePath); err != nil {
		return err
	}

	extractErr := extractImages(archivePath, destDir, cfg.SubDirectory)

	if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		slog.Error("could not delete collection archive", "path", archivePath, "error", err)
		if extractErr == nil {
			extractErr = fmt.Errorf("delete archive: %w", err)
		}
	}

	return extractErr
}

// download streams the response body straight to disk so large archives are
// never buffered in memory.
func (z *ZipInstaller) download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := z.client.Do(req)
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download archive: status %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	slog.Info("downloaded collection archive", "url", url, "path", path)
	return nil
}

func extractImages(archivePath, destDir, subDir string) error {
	prefix := normalizeSubDir(subDir)

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()

	for _, entry := range r.File {
		if entry.FileInfo().IsDir() || !isImageFile(entry.Name) {
			continue
		}

		name := strings.ReplaceAll(entry.Name, `\`, "/")
		if prefix != "" && !strings.HasPrefix(strings.ToLower(name), prefix) {
			continue
		}

		if err := extractEntry(entry, filepath.Join(destDir, filepath.Base(name))); err != nil {
			return fmt.Errorf("extract %s: %w", entry.Name, err)
		}
	}
	return nil
}

func extractEntry(entry *zip.File, destPath string) error {
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func normalizeSubDir(subDir string) string {
	s := strings.Trim(strings.ReplaceAll(subDir, `\`, "/"), "/")
	if s == "" {
		return ""
	}
	return strings.ToLower(s) + "/"
}
