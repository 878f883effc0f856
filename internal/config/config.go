// Package config loads engine configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the orphan sweeper.
type Config struct {
	S3        S3Config        `yaml:"s3"`
	Markers   MarkersConfig   `yaml:"markers"`
	Inventory InventoryConfig `yaml:"inventory"`
	Reduce    ReduceConfig    `yaml:"reduce"`
	Delete    DeleteConfig    `yaml:"delete"`
	Report    ReportConfig    `yaml:"report"`
	Cache     CacheConfig     `yaml:"cache"`
	Audit     AuditConfig     `yaml:"audit"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// S3Config identifies the bucket holding markers and preview data.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // empty for AWS S3; set for MinIO/R2
}

// MarkersConfig controls the existence marker scanner.
type MarkersConfig struct {
	Workers int `yaml:"workers"` // concurrent hour-prefix listing tasks
}

// InventoryConfig locates the bulk snapshot and controls partition fetching.
type InventoryConfig struct {
	Bucket  string `yaml:"bucket"`  // defaults to "<s3.bucket>-inventory"
	Prefix  string `yaml:"prefix"`  // defaults to "<s3.bucket>/Inventory/"
	Workers int    `yaml:"workers"` // concurrent partition downloads
}

// ReduceConfig controls the snapshot reducer's parsing pool.
type ReduceConfig struct {
	Workers int `yaml:"workers"` // concurrent partition parsers (CPU-bound)
}

// DeleteConfig controls the deletion executor.
type DeleteConfig struct {
	BatchSize int `yaml:"batch_size"` // keys per DeleteObjects call, max 1000
}

// ReportConfig controls the report artifact destination.
type ReportConfig struct {
	// Dest is a local path or a blob URL (file://, s3://). Empty writes the
	// report to stdout only.
	Dest string `yaml:"dest"`
}

// CacheConfig controls the local partition cache.
type CacheConfig struct {
	Dir string `yaml:"dir"` // defaults to ~/.orphansweep/cache
}

// AuditConfig controls the deletion audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// CatalogConfig configures the optional run catalog.
type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"` // empty disables the catalog
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// LogConfig configures structured logging.
type LogConfig struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`
}

// Load reads configuration from the given YAML file (optional), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.S3.Bucket = getenvDefault("ORPHANSWEEP_BUCKET", c.S3.Bucket)
	c.S3.Region = getenvDefault("ORPHANSWEEP_REGION", c.S3.Region)
	c.S3.Endpoint = getenvDefault("ORPHANSWEEP_S3_ENDPOINT", c.S3.Endpoint)
	c.Inventory.Bucket = getenvDefault("ORPHANSWEEP_INVENTORY_BUCKET", c.Inventory.Bucket)
	c.Catalog.PostgresDSN = getenvDefault("ORPHANSWEEP_CATALOG_DSN", c.Catalog.PostgresDSN)
	c.Cache.Dir = getenvDefault("ORPHANSWEEP_CACHE_DIR", c.Cache.Dir)

	if v := os.Getenv("ORPHANSWEEP_DELETE_BATCH_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			c.Delete.BatchSize = parsed
		}
	}
}

func (c *Config) applyDefaults() {
	if c.S3.Region == "" {
		c.S3.Region = "us-east-1"
	}
	if c.Inventory.Bucket == "" && c.S3.Bucket != "" {
		c.Inventory.Bucket = c.S3.Bucket + "-inventory"
	}
	if c.Inventory.Prefix == "" && c.S3.Bucket != "" {
		c.Inventory.Prefix = c.S3.Bucket + "/Inventory/"
	}
	if c.Markers.Workers <= 0 {
		c.Markers.Workers = 20
	}
	if c.Inventory.Workers <= 0 {
		c.Inventory.Workers = 10
	}
	if c.Reduce.Workers <= 0 {
		c.Reduce.Workers = min(8, runtime.NumCPU())
	}
	if c.Delete.BatchSize <= 0 {
		c.Delete.BatchSize = 1000
	}
	if c.Cache.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Cache.Dir = filepath.Join(home, ".orphansweep", "cache")
		} else {
			c.Cache.Dir = ".orphansweep-cache"
		}
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.Cache.Dir, "audit")
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required (set it in the config file or ORPHANSWEEP_BUCKET)")
	}
	if c.Delete.BatchSize > 1000 {
		return fmt.Errorf("delete.batch_size %d exceeds the DeleteObjects ceiling of 1000", c.Delete.BatchSize)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
