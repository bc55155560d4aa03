package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sensorhub/internal/logger"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// ArchiveDriver identifies where hub snapshots are archived.
type ArchiveDriver string

const (
	ArchiveNone   ArchiveDriver = "none"
	ArchiveMemory ArchiveDriver = "memory"
	ArchiveFS     ArchiveDriver = "fs"
	ArchiveS3     ArchiveDriver = "s3"
)

// Config holds everything needed to assemble a Hub.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Archive  ArchiveConfig  `yaml:"archive"`
	NATS     NATSConfig     `yaml:"nats"`
	Registry RegistryConfig `yaml:"registry"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type StorageConfig struct {
	Driver             StorageDriver `yaml:"driver"`
	SQLitePath         string        `yaml:"sqlitePath"`
	PostgresDSN        string        `yaml:"postgresDsn"`
	CheckpointInterval time.Duration `yaml:"checkpointInterval"`
	// LatestOnly discards superseded description versions.
	LatestOnly bool `yaml:"latestOnly"`
}

type ArchiveConfig struct {
	Driver         ArchiveDriver `yaml:"driver"`
	Prefix         string        `yaml:"prefix"`
	Retention      int           `yaml:"retention"`
	Interval       time.Duration `yaml:"interval"`
	RestoreOnStart bool          `yaml:"restoreOnStart"`
	FSRoot         string        `yaml:"fsRoot"`
	S3             S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"pathStyle"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// NATSConfig enables the bus bridge when URL is set.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Prefix         string        `yaml:"prefix"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
}

type RegistryConfig struct {
	Workers        int `yaml:"workers"`
	ProxyCacheSize int `yaml:"proxyCacheSize"`
}

type LogConfig struct {
	Level  string        `yaml:"level"`
	Format logger.Format `yaml:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns an ephemeral in-memory configuration.
func DefaultConfig() Config {
	return Config{
		Storage: StorageConfig{
			Driver:             StorageMemory,
			SQLitePath:         "sensorhub.db",
			CheckpointInterval: time.Minute,
		},
		Archive: ArchiveConfig{
			Driver:   ArchiveNone,
			Prefix:   "snapshots/",
			Interval: time.Hour,
			FSRoot:   "archive",
		},
		NATS: NATSConfig{
			Prefix:         "sensorhub",
			ConnectTimeout: 30 * time.Second,
			CommandTimeout: 5 * time.Second,
		},
		Registry: RegistryConfig{Workers: 4, ProxyCacheSize: 128},
		Log:      LogConfig{Level: "info", Format: logger.FormatJSON},
		Metrics:  MetricsConfig{Addr: ":9090"},
	}
}

// LoadConfig reads the optional YAML file at path over the defaults, then
// applies environment overrides:
//
//	SENSORHUB_STORAGE_DRIVER: memory|sqlite|postgres (default memory)
//	SENSORHUB_SQLITE_PATH: path to sqlite file (default ./sensorhub.db)
//	SENSORHUB_POSTGRES_DSN: postgres DSN when driver=postgres
//	SENSORHUB_CHECKPOINT_INTERVAL: duration between checkpoints, 0 disables
//	SENSORHUB_ARCHIVE_DRIVER: none|memory|fs|s3 (default none)
//	SENSORHUB_ARCHIVE_PREFIX, SENSORHUB_ARCHIVE_RETENTION, SENSORHUB_ARCHIVE_INTERVAL
//	SENSORHUB_ARCHIVE_RESTORE: restore the latest snapshot into an empty store
//	SENSORHUB_ARCHIVE_FS_ROOT
//	SENSORHUB_ARCHIVE_S3_BUCKET, _REGION, _ENDPOINT, _PATH_STYLE, _ACCESS_KEY_ID, _SECRET_ACCESS_KEY
//	SENSORHUB_NATS_URL: enables the NATS bridge, SENSORHUB_NATS_PREFIX
//	SENSORHUB_REGISTRY_WORKERS, SENSORHUB_PROXY_CACHE_SIZE
//	SENSORHUB_LOG_LEVEL, LOGGING_FORMAT (JSON|CONSOLE)
//	SENSORHUB_METRICS_ADDR
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

type envReader struct{ errs []error }

func (r *envReader) stringVar(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func (r *envReader) intVar(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (r *envReader) boolVar(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (r *envReader) durationVar(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (c *Config) applyEnv() error {
	var r envReader
	var storage, archive string
	r.stringVar("SENSORHUB_STORAGE_DRIVER", &storage)
	if storage != "" {
		c.Storage.Driver = StorageDriver(strings.ToLower(storage))
	}
	r.stringVar("SENSORHUB_SQLITE_PATH", &c.Storage.SQLitePath)
	r.stringVar("SENSORHUB_POSTGRES_DSN", &c.Storage.PostgresDSN)
	r.durationVar("SENSORHUB_CHECKPOINT_INTERVAL", &c.Storage.CheckpointInterval)

	r.stringVar("SENSORHUB_ARCHIVE_DRIVER", &archive)
	if archive != "" {
		c.Archive.Driver = ArchiveDriver(strings.ToLower(archive))
	}
	r.stringVar("SENSORHUB_ARCHIVE_PREFIX", &c.Archive.Prefix)
	r.intVar("SENSORHUB_ARCHIVE_RETENTION", &c.Archive.Retention)
	r.durationVar("SENSORHUB_ARCHIVE_INTERVAL", &c.Archive.Interval)
	r.boolVar("SENSORHUB_ARCHIVE_RESTORE", &c.Archive.RestoreOnStart)
	r.stringVar("SENSORHUB_ARCHIVE_FS_ROOT", &c.Archive.FSRoot)
	r.stringVar("SENSORHUB_ARCHIVE_S3_BUCKET", &c.Archive.S3.Bucket)
	r.stringVar("SENSORHUB_ARCHIVE_S3_REGION", &c.Archive.S3.Region)
	r.stringVar("SENSORHUB_ARCHIVE_S3_ENDPOINT", &c.Archive.S3.Endpoint)
	r.boolVar("SENSORHUB_ARCHIVE_S3_PATH_STYLE", &c.Archive.S3.PathStyle)
	r.stringVar("SENSORHUB_ARCHIVE_S3_ACCESS_KEY_ID", &c.Archive.S3.AccessKeyID)
	r.stringVar("SENSORHUB_ARCHIVE_S3_SECRET_ACCESS_KEY", &c.Archive.S3.SecretAccessKey)

	r.stringVar("SENSORHUB_NATS_URL", &c.NATS.URL)
	r.stringVar("SENSORHUB_NATS_PREFIX", &c.NATS.Prefix)

	r.intVar("SENSORHUB_REGISTRY_WORKERS", &c.Registry.Workers)
	r.intVar("SENSORHUB_PROXY_CACHE_SIZE", &c.Registry.ProxyCacheSize)

	r.stringVar("SENSORHUB_LOG_LEVEL", &c.Log.Level)
	c.Log.Format = logger.FormatFromEnv(logger.Format(strings.ToUpper(string(c.Log.Format))))
	r.stringVar("SENSORHUB_METRICS_ADDR", &c.Metrics.Addr)
	return errors.Join(r.errs...)
}

// Validate checks driver names and the parameters each driver requires.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite, StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %s", c.Storage.Driver))
	}
	switch c.Archive.Driver {
	case ArchiveNone, ArchiveMemory:
	case ArchiveFS:
		if c.Archive.FSRoot == "" {
			errs = append(errs, errors.New("archive: fs driver requires a root directory"))
		}
	case ArchiveS3:
		if c.Archive.S3.Bucket == "" {
			errs = append(errs, errors.New("archive: s3 driver requires a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive driver %s", c.Archive.Driver))
	}
	if c.Archive.Retention < 0 {
		errs = append(errs, errors.New("archive: retention must not be negative"))
	}
	if c.Registry.Workers < 1 {
		errs = append(errs, errors.New("registry: at least one worker required"))
	}
	if c.Registry.ProxyCacheSize < 1 {
		errs = append(errs, errors.New("registry: proxy cache size must be positive"))
	}
	return errors.Join(errs...)
}
