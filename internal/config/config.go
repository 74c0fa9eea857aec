package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the mosaicd server.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Worker      WorkerConfig
	Storage     StorageConfig
	Collections CollectionsConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// WorkerConfig describes the external mosaic processing worker.
type WorkerConfig struct {
	BaseURL string
	Timeout time.Duration
}

type StorageConfig struct {
	UploadPath string
}

type CollectionsConfig struct {
	CatalogPath     string
	InstallTimeout  time.Duration
	DownloadTimeout time.Duration
}

// TileCollectionConfig is one entry of the static collection catalog. The
// durable install state lives in the database; this is the immutable part.
type TileCollectionConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	ImageCount   int    `yaml:"image_count"`
	Size         string `yaml:"size"`
	Description  string `yaml:"description"`
	DownloadURL  string `yaml:"download_url"`
	SubDirectory string `yaml:"sub_directory"`
	Installer    string `yaml:"installer"`
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("MOSAICD_PORT", 8080),
			Env:  envString("MOSAICD_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			BaseURL: os.Getenv("WORKER_BASE_URL"),
			Timeout: envDuration("WORKER_TIMEOUT", 15*time.Second),
		},
		Storage: StorageConfig{
			UploadPath: envString("UPLOAD_PATH", "data"),
		},
		Collections: CollectionsConfig{
			CatalogPath:     envString("COLLECTIONS_CONFIG", "collections.yaml"),
			InstallTimeout:  envDuration("INSTALL_TIMEOUT", 30*time.Minute),
			DownloadTimeout: envDuration("DOWNLOAD_TIMEOUT", 20*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Worker.BaseURL == "" {
		return fmt.Errorf("WORKER_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Worker.BaseURL, "http://") && !strings.HasPrefix(c.Worker.BaseURL, "https://") {
		return fmt.Errorf("WORKER_BASE_URL must start with http:// or https://, got %q", c.Worker.BaseURL)
	}

	if c.Collections.InstallTimeout <= 0 {
		return fmt.Errorf("INSTALL_TIMEOUT must be positive")
	}

	return nil
}

// LoadCollections reads the static tile collection catalog from a YAML file.
func LoadCollections(path string) ([]TileCollectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collection catalog: %w", err)
	}

	var catalog struct {
		Collections []TileCollectionConfig `yaml:"collections"`
	}
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse collection catalog: %w", err)
	}

	seen := make(map[string]bool, len(catalog.Collections))
	for _, c := range catalog.Collections {
		if c.ID == "" {
			return nil, fmt.Errorf("collection catalog: entry without id")
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("collection catalog: duplicate id %q", c.ID)
		}
		seen[c.ID] = true
		if c.DownloadURL == "" {
			return nil, fmt.Errorf("collection %q: download_url is required", c.ID)
		}
		if c.Installer == "" {
			return nil, fmt.Errorf("collection %q: installer is required", c.ID)
		}
	}

	return catalog.Collections, nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
