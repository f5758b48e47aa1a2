package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the scheduler
type Config struct {
	Environment   string          `toml:"environment"`
	UnifyBackends bool            `toml:"unify_backends"`
	Server        ServerConfig    `toml:"server"`
	TokenDB       TokenDBConfig   `toml:"tokendb"`
	AWS           AWSConfig       `toml:"aws"`
	Storage       StorageConfig   `toml:"storage"`
	Queue         QueueConfig     `toml:"queue"`
	Admission     AdmissionConfig `toml:"admission"`
	Lifecycle     LifecycleConfig `toml:"lifecycle"`
	Logging       LoggingConfig   `toml:"logging"`
}

// ServerConfig holds the two RPC listener configurations
type ServerConfig struct {
	Host                      string `toml:"host"`
	SubmissionPort            int    `toml:"submission_port"`
	ExecutionPort             int    `toml:"execution_port"`
	SubmissionMaxWorkers      int    `toml:"submission_max_workers"`
	ExecutionMaxWorkers       int    `toml:"execution_max_workers"`
	SubmissionMaxMessageBytes int64  `toml:"submission_max_message_bytes"`
	ExecutionMaxMessageBytes  int64  `toml:"execution_max_message_bytes"`
	ShutdownTimeout           string `toml:"shutdown_timeout"`
}

// GetShutdownTimeout parses and returns the graceful-shutdown deadline
func (c *ServerConfig) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// TokenDBConfig holds the token-info service client configuration
type TokenDBConfig struct {
	Address   string `toml:"address"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *TokenDBConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// AWSConfig holds AWS client configuration and the parameter-store keys
// under which deployment state (bucket, table, backend catalog) lives.
type AWSConfig struct {
	Region              string `toml:"region"`
	AccessKey           string `toml:"access_key"`
	SecretKey           string `toml:"secret_key"`
	Endpoint            string `toml:"endpoint"`    // dev only: LocalStack et al.
	S3Endpoint          string `toml:"s3_endpoint"` // dev only
	JobBucketParam      string `toml:"job_bucket_param"`
	JobTableParam       string `toml:"job_table_param"`
	BackendCatalogParam string `toml:"backend_catalog_param"`
}

// StorageConfig selects the job record store backend.
type StorageConfig struct {
	Backend string `toml:"backend"` // "dynamo" or "badger"
	Path    string `toml:"path"`    // badger data directory
}

// QueueConfig holds the in-flight queue limits
type QueueConfig struct {
	MaxQueueBytes int64 `toml:"max_queue_bytes"`
}

// AdmissionConfig holds the per-role admission limits
type AdmissionConfig struct {
	MaxConcurrentAdmin     int   `toml:"max_concurrent_admin"`
	MaxConcurrentDeveloper int   `toml:"max_concurrent_developer"`
	MaxConcurrentGuest     int   `toml:"max_concurrent_guest"`
	MaxJobBytesAdmin       int64 `toml:"max_job_bytes_admin"`
	MaxJobBytesDeveloper   int64 `toml:"max_job_bytes_developer"`
	MaxJobBytesGuest       int64 `toml:"max_job_bytes_guest"`
}

// LifecycleConfig holds coordinator timings
type LifecycleConfig struct {
	SweepInterval  string `toml:"sweep_interval"`
	UploadURLTTL   string `toml:"upload_url_ttl"`
	DownloadURLTTL string `toml:"download_url_ttl"`
	RecordTTL      string `toml:"record_ttl"`
}

// GetSweepInterval parses and returns the timeout-sweeper cadence
func (c *LifecycleConfig) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetUploadURLTTL parses and returns the presigned PUT expiry
func (c *LifecycleConfig) GetUploadURLTTL() time.Duration {
	d, err := time.ParseDuration(c.UploadURLTTL)
	if err != nil {
		return 3 * time.Hour
	}
	return d
}

// GetDownloadURLTTL parses and returns the presigned GET expiry
func (c *LifecycleConfig) GetDownloadURLTTL() time.Duration {
	d, err := time.ParseDuration(c.DownloadURLTTL)
	if err != nil {
		return 3 * time.Minute
	}
	return d
}

// GetRecordTTL parses and returns how long terminal records are retained
func (c *LifecycleConfig) GetRecordTTL() time.Duration {
	d, err := time.ParseDuration(c.RecordTTL)
	if err != nil {
		return 720 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:                      "0.0.0.0",
			SubmissionPort:            8082,
			ExecutionPort:             8081,
			SubmissionMaxWorkers:      100,
			ExecutionMaxWorkers:       10,
			SubmissionMaxMessageBytes: 10 * 1024 * 1024,
			ExecutionMaxMessageBytes:  10 * 1024 * 1024,
			ShutdownTimeout:           "10s",
		},
		TokenDB: TokenDBConfig{
			Address:   "http://localhost:8084",
			RateLimit: 50,
			Timeout:   "5s",
		},
		AWS: AWSConfig{
			JobBucketParam:      "/qflow/job-bucket-name",
			JobTableParam:       "/qflow/job-table-name",
			BackendCatalogParam: "/qflow/backend-status",
		},
		Storage: StorageConfig{
			Backend: "dynamo",
			Path:    "data/scheduler",
		},
		Queue: QueueConfig{
			MaxQueueBytes: 100 * 1024 * 1024,
		},
		Admission: AdmissionConfig{
			MaxConcurrentAdmin:     1000,
			MaxConcurrentDeveloper: 10,
			MaxConcurrentGuest:     5,
			MaxJobBytesAdmin:       10 * 1024 * 1024,
			MaxJobBytesDeveloper:   10 * 1024 * 1024,
			MaxJobBytesGuest:       1 * 1024 * 1024,
		},
		Lifecycle: LifecycleConfig{
			SweepInterval:  "5s",
			UploadURLTTL:   "3h",
			DownloadURLTTL: "3m",
			RecordTTL:      "720h",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Apply environment overrides
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// Variable names follow the deployment contract of the original service.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("SCHEDULER_ENV"); env != "" {
		config.Environment = env
	}

	if level := os.Getenv("SCHEDULER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	overrideInt("SCHEDULER_SUBMISSION_MAX_WORKERS", &config.Server.SubmissionMaxWorkers)
	overrideInt("SCHEDULER_EXECUTION_MAX_WORKERS", &config.Server.ExecutionMaxWorkers)
	overrideInt64("SCHEDULER_SUBMISSION_MAX_MESSAGE_LENGTH", &config.Server.SubmissionMaxMessageBytes)
	overrideInt64("SCHEDULER_EXECUTION_MAX_MESSAGE_LENGTH", &config.Server.ExecutionMaxMessageBytes)
	overrideInt64("SCHEDULER_MAX_QUEUE_BYTES", &config.Queue.MaxQueueBytes)

	overrideInt("MAX_CONCURRENT_JOBS_ADMIN", &config.Admission.MaxConcurrentAdmin)
	overrideInt("MAX_CONCURRENT_JOBS_DEVELOPER", &config.Admission.MaxConcurrentDeveloper)
	overrideInt("MAX_CONCURRENT_JOBS_GUEST", &config.Admission.MaxConcurrentGuest)
	overrideInt64("MAX_JOB_BYTES_ADMIN", &config.Admission.MaxJobBytesAdmin)
	overrideInt64("MAX_JOB_BYTES_DEVELOPER", &config.Admission.MaxJobBytesDeveloper)
	overrideInt64("MAX_JOB_BYTES_GUEST", &config.Admission.MaxJobBytesGuest)
}

func overrideInt(name string, target *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func overrideInt64(name string, target *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}
