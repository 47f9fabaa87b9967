package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SecurityConfig represents security configuration for the local API
type SecurityConfig struct {
	EnableRateLimit       bool
	RateLimitPerSecond    float64
	RateLimitBurst        int
	EnableCORS            bool
	AllowedOrigins        []string
	EnableSecurityHeaders bool
	MaxRequestSize        int64
	EnableRequestID       bool
}

type Config struct {
	Port     int
	DataDir  string
	CacheTTL time.Duration
	LogLevel string

	// Remote reader service
	ServiceURL        string
	Login             string
	Password          string
	RequestsPerSecond float64

	// Sync behavior
	SyncInterval   time.Duration
	StreamPageSize int
	StreamPrefetch bool

	Security SecurityConfig
}

func Load() *Config {
	return &Config{
		Port:     getEnvAsInt("PORT", 8080),
		DataDir:  getEnv("DATA_DIR", "./data"),
		CacheTTL: getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		ServiceURL:        getEnv("SERVICE_URL", "https://www.inoreader.com"),
		Login:             getEnv("READER_LOGIN", ""),
		Password:          getEnv("READER_PASSWORD", ""),
		RequestsPerSecond: getEnvAsFloat("REQUESTS_PER_SECOND", 5.0),

		SyncInterval:   getEnvAsDuration("SYNC_INTERVAL", 15*time.Minute),
		StreamPageSize: getEnvAsInt("STREAM_PAGE_SIZE", 100),
		StreamPrefetch: getEnvAsBool("STREAM_PREFETCH_ENABLED", false),

		Security: loadSecurityConfig(),
	}
}

func loadSecurityConfig() SecurityConfig {
	return SecurityConfig{
		EnableRateLimit:       getEnvAsBool("ENABLE_RATE_LIMIT", true),
		RateLimitPerSecond:    getEnvAsFloat("RATE_LIMIT_PER_SECOND", 10.0),
		RateLimitBurst:        getEnvAsInt("RATE_LIMIT_BURST", 20),
		EnableCORS:            getEnvAsBool("ENABLE_CORS", true),
		AllowedOrigins:        getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
		EnableSecurityHeaders: getEnvAsBool("ENABLE_SECURITY_HEADERS", true),
		MaxRequestSize:        getEnvAsInt64("MAX_REQUEST_SIZE", 10<<20), // 10MB
		EnableRequestID:       getEnvAsBool("ENABLE_REQUEST_ID", true),
	}
}

func getEnv(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultVal
}
