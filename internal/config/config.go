package config

import (
	"fmt"
	"time"

	"github.com/skywatch/conductor/internal/env"
)

// Config holds all configuration for the orchestrator binary.
type Config struct {
	Database  DatabaseConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Workflow  WorkflowConfig
	Ingest    IngestConfig
	Failer    FailerConfig
	Server    ServerConfig
	OTel      OTelConfig
	ServiceID string `env:"CONDUCTOR_SERVICE_NAME"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	DSN             string        `env:"CONDUCTOR_POSTGRES_URL"`
	MaxOpenConns    int           `env:"CONDUCTOR_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"CONDUCTOR_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"CONDUCTOR_DB_CONN_MAX_LIFETIME"`
}

func (c *DatabaseConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("CONDUCTOR_POSTGRES_URL is required")
	}
	return nil
}

// QueueConfig holds NATS JetStream settings for the queue layer.
type QueueConfig struct {
	URL               string        `env:"CONDUCTOR_NATS_URL"`
	StreamPrefix      string        `env:"CONDUCTOR_QUEUE_PREFIX"`
	VisibilityTimeout time.Duration `env:"CONDUCTOR_QUEUE_VISIBILITY_TIMEOUT"`
}

// StorageConfig holds object store settings for catalog artifacts.
type StorageConfig struct {
	Type           string `env:"CONDUCTOR_STORAGE_TYPE"` // fs, gcs
	ArtifactBucket string `env:"CONDUCTOR_ARTIFACT_BUCKET"`
	FSDir          string `env:"CONDUCTOR_FS_DIR"`
}

func (c *StorageConfig) Validate() error {
	switch c.Type {
	case "fs":
		if c.FSDir == "" {
			return fmt.Errorf("CONDUCTOR_FS_DIR is required when CONDUCTOR_STORAGE_TYPE is 'fs'")
		}
	case "gcs":
		if c.ArtifactBucket == "" {
			return fmt.Errorf("CONDUCTOR_ARTIFACT_BUCKET is required when CONDUCTOR_STORAGE_TYPE is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown CONDUCTOR_STORAGE_TYPE: %s", c.Type)
	}
	return nil
}

// WorkflowConfig holds the orchestration limits shared by the scheduler and
// the update ingester.
type WorkflowConfig struct {
	// RetryLimit is the number of retries granted to a failing work item
	// before the failure is terminal.
	RetryLimit int `env:"CONDUCTOR_RETRY_LIMIT"`

	// MaxErrorsForJob fails the whole job once exceeded, regardless of the
	// job's ignore-errors flag.
	MaxErrorsForJob int `env:"CONDUCTOR_MAX_ERRORS_FOR_JOB"`

	// CatalogMaxPageSize is the largest granule page the paginator requests
	// from the metadata catalog.
	CatalogMaxPageSize int `env:"CONDUCTOR_CATALOG_MAX_PAGE_SIZE"`

	// AggregateMaxPageSize bounds the item count per catalog document when
	// aggregation paginates its output.
	AggregateMaxPageSize int `env:"CONDUCTOR_AGGREGATE_MAX_PAGE_SIZE"`

	// DefaultMaxBatchInputs and DefaultMaxBatchSizeBytes seed batched steps
	// that do not declare their own bounds.
	DefaultMaxBatchInputs    int   `env:"CONDUCTOR_MAX_BATCH_INPUTS"`
	DefaultMaxBatchSizeBytes int64 `env:"CONDUCTOR_MAX_BATCH_SIZE_BYTES"`

	// MaxDispatchPerTrigger caps how many items one scheduler trigger may
	// fan out to a service queue.
	MaxDispatchPerTrigger int `env:"CONDUCTOR_MAX_DISPATCH_PER_TRIGGER"`
}

// IngestConfig holds update-queue draining settings.
type IngestConfig struct {
	SmallBatchSize int           `env:"CONDUCTOR_SMALL_UPDATE_BATCH_SIZE"`
	LargeBatchSize int           `env:"CONDUCTOR_LARGE_UPDATE_BATCH_SIZE"`
	ReceiveWait    time.Duration `env:"CONDUCTOR_UPDATE_RECEIVE_WAIT"`
}

// FailerConfig holds the stuck-item sweeper settings.
type FailerConfig struct {
	Period         time.Duration `env:"CONDUCTOR_WORK_FAILER_PERIOD"`
	ThresholdFloor time.Duration `env:"CONDUCTOR_WORK_FAILER_FLOOR"`
}

// ServerConfig holds the worker-facing API settings.
type ServerConfig struct {
	Port string `env:"CONDUCTOR_HTTP_PORT"`
}

// OTelConfig holds observability bootstrap settings. Exporter endpoints use
// the standard OTEL_* environment variables.
type OTelConfig struct {
	Enabled bool `env:"CONDUCTOR_OTEL_ENABLED"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		ServiceID: "conductor",
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Queue: QueueConfig{
			URL:               "nats://localhost:4222",
			StreamPrefix:      "conductor",
			VisibilityTimeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Type:  "fs",
			FSDir: "./conductor-data",
		},
		Workflow: WorkflowConfig{
			RetryLimit:               3,
			MaxErrorsForJob:          10,
			CatalogMaxPageSize:       2000,
			AggregateMaxPageSize:     10000,
			DefaultMaxBatchInputs:    200,
			DefaultMaxBatchSizeBytes: 1 << 30,
			MaxDispatchPerTrigger:    10,
		},
		Ingest: IngestConfig{
			SmallBatchSize: 10,
			LargeBatchSize: 1,
			ReceiveWait:    20 * time.Second,
		},
		Failer: FailerConfig{
			Period:         time.Minute,
			ThresholdFloor: 10 * time.Minute,
		},
		Server: ServerConfig{Port: "8080"},
		OTel:   OTelConfig{Enabled: false},
	}
}

// Load builds the orchestrator configuration from defaults overlaid with
// environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
