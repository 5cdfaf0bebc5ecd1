package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the segpipe server and worker.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Blob     BlobConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	RequestsPerMin int
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

type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type WorkerConfig struct {
	// Providers is the ordered list of execution providers to attempt,
	// highest priority first. Valid kinds: gpu, cpu.
	Providers []string
	// Slots bounds concurrent in-flight tasks; gpu workers should run 1.
	Slots            int
	ModelsPath       string
	OnnxLibraryPath  string
	ModelCacheSize   int
	LeaseTimeout     time.Duration
	StallTimeout     time.Duration
	ReapInterval     time.Duration
	FinalizeAttempts int
	PresignTTL       time.Duration
}

var validProviderKinds = map[string]bool{
	"gpu": true,
	"cpu": true,
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value is
// missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           envInt("SEGPIPE_PORT", 8080),
			Env:            envString("SEGPIPE_ENV", "development"),
			RequestsPerMin: envInt("SEGPIPE_REQUESTS_PER_MIN", 120),
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
		Blob: BlobConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    envString("MINIO_BUCKET", "segpipe"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Worker: WorkerConfig{
			Providers:        envList("WORKER_PROVIDERS", []string{"gpu", "cpu"}),
			Slots:            envInt("WORKER_SLOTS", 1),
			ModelsPath:       envString("MODELS_PATH", "/models"),
			OnnxLibraryPath:  envString("ONNX_LIBRARY_PATH", "/usr/lib/libonnxruntime.so"),
			ModelCacheSize:   envInt("MODEL_CACHE_SIZE", 2),
			LeaseTimeout:     envDuration("TASK_LEASE_TIMEOUT", 10*time.Minute),
			StallTimeout:     envDuration("JOB_STALL_TIMEOUT", 15*time.Minute),
			ReapInterval:     envDuration("REAP_INTERVAL", time.Minute),
			FinalizeAttempts: envInt("FINALIZE_ATTEMPTS", 3),
			PresignTTL:       envDuration("PRESIGN_TTL", time.Hour),
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

	if c.Blob.Endpoint == "" {
		return fmt.Errorf("MINIO_ENDPOINT is required")
	}
	if c.Blob.AccessKey == "" || c.Blob.SecretKey == "" {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
	}

	if len(c.Worker.Providers) == 0 {
		return fmt.Errorf("WORKER_PROVIDERS must list at least one provider")
	}
	for _, p := range c.Worker.Providers {
		if !validProviderKinds[p] {
			return fmt.Errorf("WORKER_PROVIDERS entries must be one of gpu, cpu; got %q", p)
		}
	}

	if c.Worker.Slots < 1 {
		return fmt.Errorf("WORKER_SLOTS must be at least 1")
	}
	if c.Worker.ModelCacheSize < 1 {
		return fmt.Errorf("MODEL_CACHE_SIZE must be at least 1")
	}
	if c.Worker.StallTimeout <= 0 {
		return fmt.Errorf("JOB_STALL_TIMEOUT must be positive")
	}

	return nil
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

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
