package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnginePolicy selects the behaviour when the model artifact cannot be loaded.
type EnginePolicy string

const (
	// PolicyFail surfaces ModelUnavailable errors to callers.
	PolicyFail EnginePolicy = "fail"
	// PolicySimulate installs a clearly tagged deterministic simulator.
	PolicySimulate EnginePolicy = "simulate"
)

// Config holds all runtime settings for the service.
type Config struct {
	Addr        string
	DatabaseDSN string
	RedisAddr   string
	JWTSecret   string
	JWTAudience string

	ModelPath    string
	MetadataPath string
	EnginePolicy EnginePolicy

	StorageDir string

	WorkerCount     int
	StuckJobTimeout time.Duration
	SweepInterval   time.Duration

	MaxImageBytes int64
	MinWidth      int
	MinHeight     int
}

// Load reads configuration from the environment, with .env support.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:            getEnv("ADDR", ":8080"),
		DatabaseDSN:     getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=skinscan port=5432 sslmode=disable"),
		RedisAddr:       getEnv("REDIS_ADDR", "redis:6379"),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		ModelPath:       getEnv("MODEL_PATH", "ml_models/skin_disease_model.onnx"),
		MetadataPath:    getEnv("MODEL_METADATA_PATH", "ml_models/model_metadata.json"),
		StorageDir:      getEnv("STORAGE_DIR", "uploads"),
		WorkerCount:     getEnvInt("WORKER_COUNT", 4),
		StuckJobTimeout: getEnvDuration("STUCK_JOB_TIMEOUT", 5*time.Minute),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", time.Minute),
		MaxImageBytes:   int64(getEnvInt("MAX_IMAGE_BYTES", 5*1024*1024)),
		MinWidth:        getEnvInt("MIN_IMAGE_WIDTH", 224),
		MinHeight:       getEnvInt("MIN_IMAGE_HEIGHT", 224),
	}

	policy := EnginePolicy(getEnv("ENGINE_POLICY", string(PolicySimulate)))
	switch policy {
	case PolicyFail, PolicySimulate:
		cfg.EnginePolicy = policy
	default:
		return nil, fmt.Errorf("invalid ENGINE_POLICY %q: must be %q or %q", policy, PolicyFail, PolicySimulate)
	}

	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", cfg.WorkerCount)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
