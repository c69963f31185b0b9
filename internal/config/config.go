// Package config handles loading and parsing of BleepStore configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for BleepStore's persistence core
// (spec.md §6.4, concretized in SPEC_FULL.md §5).
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	ExtentStore  ExtentStoreConfig   `yaml:"extent_store"`
	Destinations []DestinationConfig `yaml:"destinations"`
	GC           GCConfig            `yaml:"gc"`

	AccountsDBPath      string `yaml:"accounts_db_path"`
	BlobMetadataDBPath  string `yaml:"blob_metadata_db_path"`
	QueueMetadataDBPath string `yaml:"queue_metadata_db_path"`

	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds the ambient ops-surface HTTP listener settings
// (/health, /metrics, /admin/gc, /admin/extents/{id} — not the full
// S3/Azure REST surface).
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_seconds"`
}

// ExtentStoreConfig holds the extent catalog and writer pool settings.
type ExtentStoreConfig struct {
	// CatalogPath is the on-disk path of the extent metadata catalog
	// snapshot file.
	CatalogPath string `yaml:"catalog_path"`
	// AutosaveIntervalSeconds is how often the catalog snapshots itself to
	// disk. Promoted to named config per spec.md §9's open question.
	AutosaveIntervalSeconds int `yaml:"autosave_interval_seconds"`
	// RotationBytes is the size threshold past which an open extent is
	// closed and evicted from the writer pool.
	RotationBytes int64 `yaml:"rotation_bytes"`
	// IdleTimeoutSeconds is how long an open extent may sit idle in the
	// writer pool before it becomes eligible for eviction.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// DestinationConfig is one configured persistence destination: a local
// directory plus a concurrency budget.
type DestinationConfig struct {
	ID             string `yaml:"id"`
	RootPath       string `yaml:"root_path"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// GCConfig holds the garbage collector's timer and safety-window settings.
type GCConfig struct {
	// IntervalSeconds is how often the GC sweep fires.
	IntervalSeconds int `yaml:"interval_seconds"`
	// UnmodifiedWindowSeconds is the minimum age an extent must reach
	// before GC will consider reclaiming it. Promoted to named config per
	// spec.md §9's open question.
	UnmodifiedWindowSeconds int `yaml:"unmodified_window_seconds"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config. It applies sensible defaults for unset values. If the
// primary path fails, it falls back to bleepstore.example.yaml in the same
// directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "bleepstore.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "bleepstore.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults, matching the
// literals named throughout spec.md (§4.B rotation, §4.D autosave, §4.F GC
// interval/window).
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            10000,
			ShutdownTimeout: 30,
		},
		ExtentStore: ExtentStoreConfig{
			CatalogPath:             "./data/extents.catalog",
			AutosaveIntervalSeconds: 5,
			RotationBytes:           1 << 30,
			IdleTimeoutSeconds:      300,
		},
		Destinations: []DestinationConfig{
			{ID: "d0", RootPath: "./data/extents/d0", MaxConcurrency: 4},
		},
		GC: GCConfig{
			IntervalSeconds:         600,
			UnmodifiedWindowSeconds: 3600,
		},
		AccountsDBPath:      "./data/accounts.db",
		BlobMetadataDBPath:  "./data/blobmeta.db",
		QueueMetadataDBPath: "./data/queuemeta.db",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 10000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.ExtentStore.CatalogPath == "" {
		cfg.ExtentStore.CatalogPath = "./data/extents.catalog"
	}
	if cfg.ExtentStore.AutosaveIntervalSeconds == 0 {
		cfg.ExtentStore.AutosaveIntervalSeconds = 5
	}
	if cfg.ExtentStore.RotationBytes == 0 {
		cfg.ExtentStore.RotationBytes = 1 << 30
	}
	if cfg.ExtentStore.IdleTimeoutSeconds == 0 {
		cfg.ExtentStore.IdleTimeoutSeconds = 300
	}
	if len(cfg.Destinations) == 0 {
		cfg.Destinations = []DestinationConfig{
			{ID: "d0", RootPath: "./data/extents/d0", MaxConcurrency: 4},
		}
	}
	for i := range cfg.Destinations {
		if cfg.Destinations[i].MaxConcurrency <= 0 {
			cfg.Destinations[i].MaxConcurrency = 1
		}
	}
	if cfg.GC.IntervalSeconds == 0 {
		cfg.GC.IntervalSeconds = 600
	}
	if cfg.GC.UnmodifiedWindowSeconds == 0 {
		cfg.GC.UnmodifiedWindowSeconds = 3600
	}
	if cfg.AccountsDBPath == "" {
		cfg.AccountsDBPath = "./data/accounts.db"
	}
	if cfg.BlobMetadataDBPath == "" {
		cfg.BlobMetadataDBPath = "./data/blobmeta.db"
	}
	if cfg.QueueMetadataDBPath == "" {
		cfg.QueueMetadataDBPath = "./data/queuemeta.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
