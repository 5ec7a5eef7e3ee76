package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries all runtime settings, populated from environment variables.
type Config struct {
	AppEnv           string
	LogLevel         string
	HTTPListenAddr   string
	PublicBaseURL    string
	PublicBasePath   string
	MetricsNamespace string

	// Store. DatabaseURL takes precedence; otherwise SQLitePath is used.
	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool

	// Messaging gateway.
	GatewayAuthToken  string
	GatewaySkipVerify bool

	// Intent oracle.
	GeminiAPIKeys  []string
	GeminiModel    string
	GeminiTimeout  time.Duration
	GeminiCooldown time.Duration

	AdminToken   string
	HistoryLimit int
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBaseURL:     os.Getenv("PUBLIC_BASE_URL"),
		PublicBasePath:    os.Getenv("PUBLIC_BASE_PATH"),
		MetricsNamespace:  getEnv("METRICS_NAMESPACE", "toolbot"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        getEnv("SQLITE_PATH", "data/toolbot.db"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisTLS:          getEnvBool("REDIS_TLS", false),
		GatewayAuthToken:  os.Getenv("GATEWAY_AUTH_TOKEN"),
		GatewaySkipVerify: getEnvBool("GATEWAY_SKIP_VERIFY", false),
		GeminiAPIKeys:     splitList(os.Getenv("GEMINI_API_KEYS")),
		GeminiModel:       getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiTimeout:     getEnvDuration("GEMINI_TIMEOUT", 15*time.Second),
		GeminiCooldown:    getEnvDuration("GEMINI_COOLDOWN", 5*time.Minute),
		AdminToken:        os.Getenv("ADMIN_TOKEN"),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 6),
	}

	if cfg.AppEnv == "production" {
		if cfg.GatewaySkipVerify {
			return nil, fmt.Errorf("GATEWAY_SKIP_VERIFY must not be set in production")
		}
		if cfg.GatewayAuthToken == "" {
			return nil, fmt.Errorf("GATEWAY_AUTH_TOKEN is required in production")
		}
		if cfg.PublicBaseURL == "" {
			return nil, fmt.Errorf("PUBLIC_BASE_URL is required in production")
		}
	}
	if len(cfg.GeminiAPIKeys) == 0 {
		return nil, fmt.Errorf("GEMINI_API_KEYS must contain at least one key")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
