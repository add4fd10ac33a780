package config

import (
	"errors"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Backend  BackendConfig
	Identity IdentityConfig
	Quota    QuotaConfig
}

type AppConfig struct {
	Port               string
	BaseURL            string
	Environment        string
	LogFilePath        string
	CorsAllowedOrigins string
	RedisURL           string
}

// BackendConfig points at the remote RAG service. Every chat route in this
// gateway is a thin authenticated pass-through to it.
type BackendConfig struct {
	BaseURL      string
	ServiceToken string
	StreamPath   string
}

type IdentityConfig struct {
	JWTSecret   string
	TokenTTLMin int
}

type QuotaConfig struct {
	AnonDailyLimit int
	AuthDailyLimit int
	Backend        string // "memory" or "redis"
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, usage system environment")
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "3000"),
			BaseURL:            getEnv("APP_BASE_URL", "http://localhost:3000"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/gateway.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
			RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Backend: BackendConfig{
			BaseURL:      getEnv("RAG_BACKEND_URL", "http://localhost:8000"),
			ServiceToken: getEnv("RAG_BACKEND_SERVICE_TOKEN", "dev-secret-123"),
			StreamPath:   getEnv("RAG_BACKEND_STREAM_PATH", "/chat"),
		},
		Identity: IdentityConfig{
			JWTSecret:   getEnv("JWT_SECRET", ""),
			TokenTTLMin: getEnvAsInt("ID_TOKEN_TTL_MINUTES", 60),
		},
		Quota: QuotaConfig{
			AnonDailyLimit: getEnvAsInt("ANON_QUERY_LIMIT", 10),
			AuthDailyLimit: getEnvAsInt("AUTH_QUERY_LIMIT", 50),
			Backend:        getEnv("QUOTA_BACKEND", "memory"),
		},
	}
}

// Validate checks the one fatal startup condition: nothing in the system can
// function without an identity context, so a missing JWT secret aborts boot.
func (c *Config) Validate() error {
	if c.Identity.JWTSecret == "" {
		return errors.New("identity not configured: JWT_SECRET is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}
