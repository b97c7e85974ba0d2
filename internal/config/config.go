package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"document-intake/internal/apperr"
)

// Config holds shared runtime configuration for the API, the worker and the CLI.
type Config struct {
	Env         string
	ServiceName string
	LogLevel    string
	LogJSON     bool
	HTTPPort    string
	MetricsAddr string

	// External document-processing API.
	DocAPIURL      string
	DocAPIUsername string
	DocAPIPassword string
	DocAPITimeout  time.Duration

	DatabaseURL   string
	AuthJWTSecret string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StorageBucket    string
	StorageRegion    string
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StoragePublicURL string
	StoragePathStyle bool

	ReconcileAttempts int
	ReconcileDelay    time.Duration
	PipelineTimeout   time.Duration

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	VisibilityTimeout  time.Duration
	QueueName          string
	DLQName            string

	RateLimitCapacity int
	RateLimitRefill   float64
	RateLimitWindow   time.Duration
	MaxUploadBytes    int64
	CORSOrigins       []string
}

// Load reads configuration from the environment, after merging a local .env file if present.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		ServiceName: getEnv("SERVICE_NAME", "document-intake"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogJSON:     getEnvBool("LOG_JSON", false),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		DocAPIURL:      strings.TrimRight(getEnv("DOC_API_URL", ""), "/"),
		DocAPIUsername: getEnv("DOC_API_USERNAME", ""),
		DocAPIPassword: getEnv("DOC_API_PASSWORD", ""),
		DocAPITimeout:  getEnvDuration("DOC_API_TIMEOUT", 60*time.Second),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		AuthJWTSecret: getEnv("AUTH_JWT_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		StorageBucket:    getEnv("STORAGE_BUCKET", ""),
		StorageRegion:    getEnv("STORAGE_REGION", "us-east-1"),
		StorageEndpoint:  getEnv("STORAGE_ENDPOINT", ""),
		StorageAccessKey: getEnv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey: getEnv("STORAGE_SECRET_KEY", ""),
		StoragePublicURL: strings.TrimRight(getEnv("STORAGE_PUBLIC_URL", ""), "/"),
		StoragePathStyle: getEnvBool("STORAGE_PATH_STYLE", true),

		ReconcileAttempts: getEnvInt("RECONCILE_ATTEMPTS", 3),
		ReconcileDelay:    getEnvDuration("RECONCILE_DELAY", 2*time.Second),
		PipelineTimeout:   getEnvDuration("PIPELINE_TIMEOUT", 5*time.Minute),

		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		VisibilityTimeout:  getEnvDuration("VISIBILITY_TIMEOUT", 6*time.Minute),
		QueueName:          getEnv("QUEUE_NAME", "intake"),
		DLQName:            getEnv("DLQ_NAME", "intake:dlq"),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 30),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		MaxUploadBytes:    int64(getEnvInt("MAX_UPLOAD_BYTES", 50<<20)),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"}),
	}
}

// Validate reports every required key that is unset.
func (c Config) Validate() error {
	required := []struct {
		key string
		val string
	}{
		{"DOC_API_URL", c.DocAPIURL},
		{"DOC_API_USERNAME", c.DocAPIUsername},
		{"DOC_API_PASSWORD", c.DocAPIPassword},
		{"DATABASE_URL", c.DatabaseURL},
		{"AUTH_JWT_SECRET", c.AuthJWTSecret},
	}
	var missing []string
	for _, r := range required {
		if r.val == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return &apperr.ConfigurationError{Keys: missing}
	}
	return nil
}

// StorageEnabled reports whether uploads are archived in object storage.
func (c Config) StorageEnabled() bool {
	return c.StorageBucket != ""
}

// RedisEnabled reports whether a Redis address was configured.
func (c Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
