// Package common provides shared utilities for batchllm.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for batchllm.
type Config struct {
	Environment string        `toml:"environment"`
	Server      ServerConfig  `toml:"server"`
	Storage     StorageConfig `toml:"storage"`
	JobStore    JobStoreConfig `toml:"job_store"`
	Worker      WorkerConfig  `toml:"worker"`
	Admission   AdmissionConfig `toml:"admission"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
	Handlers    HandlersConfig  `toml:"handlers"`
	Engine      EngineConfig    `toml:"engine"`
	Admin       AdminConfig     `toml:"admin"`
	Logging     LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration for the API Service.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig selects and configures the Blob Store backend (§2.1).
type StorageConfig struct {
	Blob BlobStoreConfigTOML `toml:"blob"`
}

// BlobStoreConfigTOML mirrors storage.BlobStoreConfig with TOML tags at the
// config-file boundary; common does not import storage to avoid a cycle
// (storage imports common for logging), so App re-maps this at wiring time.
type BlobStoreConfigTOML struct {
	Backend string `toml:"backend"`
	File    struct {
		BasePath string `toml:"base_path"`
	} `toml:"file"`
}

// JobStoreConfig configures the SurrealDB-backed Job Store (§4.2).
type JobStoreConfig struct {
	Endpoint  string `toml:"endpoint"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// WorkerConfig configures the Worker/Scheduler run loop (§4.3, §6.6).
type WorkerConfig struct {
	WorkerID            string `toml:"worker_id"`
	PollIntervalS       int    `toml:"poll_interval_s"`
	ChunkSizeDefault    int    `toml:"chunk_size_default"`
	ChunkSizeMin        int    `toml:"chunk_size_min"`
	HeartbeatIntervalS  int    `toml:"heartbeat_interval_s"`
	HeartbeatStaleS     int    `toml:"heartbeat_stale_s"`
	GPUMemoryPctLimit   int    `toml:"gpu_memory_pct_limit"`
	GPUTemperatureCLimit int   `toml:"gpu_temperature_c_limit"`

	// CPURAMBytes is the host RAM available for model-weight/KV-cache
	// offload when a model doesn't fit in VRAM (§4.3.3).
	CPURAMBytes int64                         `toml:"cpu_ram_bytes"`
	Models      map[string]ModelMemoryConfig `toml:"models"`
}

// ModelMemoryConfig declares one model's memory footprint for the worker's
// memory-aware load registry (§4.3.3): target VRAM weights, KV cache cost
// per in-flight request, and how much of that can be pushed to CPU RAM.
type ModelMemoryConfig struct {
	WeightsBytes       int64 `toml:"weights_bytes"`
	KVCacheBytesPerReq int64 `toml:"kv_cache_bytes_per_req"`
	MaxOffloadBytes    int64 `toml:"max_offload_bytes"`
}

// PollInterval returns the worker loop cadence as a Duration.
func (w *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalS) * time.Second
}

// HeartbeatInterval returns the heartbeat emission cadence.
func (w *WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalS) * time.Second
}

// HeartbeatStale returns the age past which a heartbeat is considered stale.
func (w *WorkerConfig) HeartbeatStale() time.Duration {
	return time.Duration(w.HeartbeatStaleS) * time.Second
}

// AdmissionConfig configures admission control for create-batch (§4.1).
type AdmissionConfig struct {
	MaxQueueDepth      int `toml:"max_queue_depth"`
	MaxRequestsPerJob  int `toml:"max_requests_per_job"`
}

// RateLimitConfig configures per-IP rate limiting (§4.5, §6.6).
type RateLimitConfig struct {
	BatchesPerMin    int  `toml:"batches_per_min"`
	FilesPerMin      int  `toml:"files_per_min"`
	TrustForwardedFor bool `toml:"trust_forwarded_for"`
}

// HandlersConfig configures the result-handler pipeline (§4.4).
type HandlersConfig struct {
	MaxAttempts     int    `toml:"max_attempts"`
	BackoffBaseMS   int    `toml:"backoff_base_ms"`
	WebhookURL      string `toml:"webhook_url"`
	WebhookSecret   string `toml:"webhook_secret"`
	WebhookTimeoutS int    `toml:"webhook_timeout_s"`
}

// BackoffBase returns the handler retry backoff base as a Duration.
func (h *HandlersConfig) BackoffBase() time.Duration {
	return time.Duration(h.BackoffBaseMS) * time.Millisecond
}

// WebhookTimeout returns the per-attempt webhook delivery timeout.
func (h *HandlersConfig) WebhookTimeout() time.Duration {
	return time.Duration(h.WebhookTimeoutS) * time.Second
}

// EngineConfig configures the Engine adapter's default model and API key resolution.
type EngineConfig struct {
	APIKey       string `toml:"api_key"`
	DefaultModel string `toml:"default_model"`
}

// AdminConfig configures the admin bearer-auth surface (§4.1 expanded).
type AdminConfig struct {
	JWTSecret string `toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with the defaults enumerated in spec.md §6.6.
func NewDefaultConfig() *Config {
	cfg := &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		JobStore: JobStoreConfig{
			Endpoint:  "ws://localhost:8000/rpc",
			Namespace: "batchllm",
			Database:  "batchllm",
		},
		Worker: WorkerConfig{
			WorkerID:             "worker-1",
			PollIntervalS:        5,
			ChunkSizeDefault:     5000,
			ChunkSizeMin:         500,
			HeartbeatIntervalS:   5,
			HeartbeatStaleS:      60,
			GPUMemoryPctLimit:    95,
			GPUTemperatureCLimit: 85,
			CPURAMBytes:          64 << 30,
			Models: map[string]ModelMemoryConfig{
				"gemini-2.0-flash": {
					WeightsBytes:       4 << 30,
					KVCacheBytesPerReq: 32 << 20,
					MaxOffloadBytes:    8 << 30,
				},
			},
		},
		Admission: AdmissionConfig{
			MaxQueueDepth:     100,
			MaxRequestsPerJob: 50000,
		},
		RateLimit: RateLimitConfig{
			BatchesPerMin: 10,
			FilesPerMin:   20,
		},
		Handlers: HandlersConfig{
			MaxAttempts:     3,
			BackoffBaseMS:   500,
			WebhookTimeoutS: 10,
		},
		Engine: EngineConfig{
			DefaultModel: "gemini-2.0-flash",
		},
		Admin: AdminConfig{
			JWTSecret: "dev-admin-secret-change-in-production",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/batchllm.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
	cfg.Storage.Blob.Backend = "file"
	cfg.Storage.Blob.File.BasePath = "data/blobs"
	return cfg
}

// LoadConfig loads configuration from files with environment overrides applied on top.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies BATCHLLM_* environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("BATCHLLM_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("BATCHLLM_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("BATCHLLM_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("BATCHLLM_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if path := os.Getenv("BATCHLLM_DATA_PATH"); path != "" {
		config.Storage.Blob.File.BasePath = filepath.Join(path, "blobs")
	}
	if v := os.Getenv("BATCHLLM_JOBSTORE_ENDPOINT"); v != "" {
		config.JobStore.Endpoint = v
	}
	if v := os.Getenv("BATCHLLM_JOBSTORE_USERNAME"); v != "" {
		config.JobStore.Username = v
	}
	if v := os.Getenv("BATCHLLM_JOBSTORE_PASSWORD"); v != "" {
		config.JobStore.Password = v
	}
	if v := os.Getenv("BATCHLLM_WORKER_ID"); v != "" {
		config.Worker.WorkerID = v
	}
	if v := os.Getenv("BATCHLLM_ENGINE_API_KEY"); v != "" {
		config.Engine.APIKey = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" && config.Engine.APIKey == "" {
		config.Engine.APIKey = v
	}
	if v := os.Getenv("BATCHLLM_WEBHOOK_SECRET"); v != "" {
		config.Handlers.WebhookSecret = v
	}
	if v := os.Getenv("BATCHLLM_WEBHOOK_URL"); v != "" {
		config.Handlers.WebhookURL = v
	}
	if v := os.Getenv("BATCHLLM_ADMIN_JWT_SECRET"); v != "" {
		config.Admin.JWTSecret = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
