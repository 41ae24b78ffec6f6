package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string

	// WebSocket
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Shared presence/queue store
	StoreDriver    string // memory | redis
	RedisURL       string
	PresenceTTL    time.Duration
	QueueRetention time.Duration

	// Durable records
	RecordStore   string // sqlite | dynamo
	SQLitePath    string
	TicketBackend string // sqlite | supabase
	SupabaseURL   string
	SupabaseKey   string

	// Event pipeline
	BrokerURL       string // empty means in-process delivery
	BrokerExchange  string
	BrokerQueue     string
	EventMessageTTL time.Duration
	IdempotencyTTL  time.Duration
	ConsumerWorkers int

	// Assignment
	AssignmentRescanInterval time.Duration
	QueueUpdateInterval      time.Duration
	RoutingProfilesPath      string

	// Auth
	JWTSecret  string
	OIDCIssuer string
	SkipAuth   bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:                getEnv("PORT", "8080"),
		AllowedOrigins:      strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		StoreDriver:         getEnv("STORE_DRIVER", "memory"),
		RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RecordStore:         getEnv("RECORD_STORE", "sqlite"),
		SQLitePath:          getEnv("SQLITE_PATH", "handoff.db"),
		TicketBackend:       getEnv("TICKET_BACKEND", "sqlite"),
		SupabaseURL:         os.Getenv("SUPABASE_URL"),
		SupabaseKey:         os.Getenv("SUPABASE_KEY"),
		BrokerURL:           os.Getenv("BROKER_URL"),
		BrokerExchange:      getEnv("BROKER_EXCHANGE", "handoff.events"),
		BrokerQueue:         getEnv("BROKER_QUEUE", "handoff.notifications"),
		RoutingProfilesPath: os.Getenv("ROUTING_PROFILES_PATH"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		OIDCIssuer:          os.Getenv("OIDC_ISSUER"),
		SkipAuth:            os.Getenv("SKIP_AUTH") == "true",
	}

	// Parse WebSocket timeouts
	wsReadTimeout, err := strconv.Atoi(getEnv("WS_READ_TIMEOUT", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_READ_TIMEOUT: %w", err)
	}
	config.WSReadTimeout = time.Duration(wsReadTimeout) * time.Second

	wsWriteTimeout, err := strconv.Atoi(getEnv("WS_WRITE_TIMEOUT", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid WS_WRITE_TIMEOUT: %w", err)
	}
	config.WSWriteTimeout = time.Duration(wsWriteTimeout) * time.Second

	// Calculate WebSocket constants
	config.PongWait = config.WSReadTimeout
	config.PingPeriod = (config.PongWait * 9) / 10 // Must be less than pongWait
	config.WriteWait = config.WSWriteTimeout
	config.MaxMessageSize = 8192

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"PRESENCE_TTL", "30m", &config.PresenceTTL},
		{"QUEUE_RETENTION", "1h", &config.QueueRetention},
		{"EVENT_MESSAGE_TTL", "24h", &config.EventMessageTTL},
		{"IDEMPOTENCY_TTL", "24h", &config.IdempotencyTTL},
		{"ASSIGNMENT_RESCAN_INTERVAL", "5s", &config.AssignmentRescanInterval},
		{"QUEUE_UPDATE_INTERVAL", "15s", &config.QueueUpdateInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", d.key)
		}
		*d.dst = v
	}

	workers, err := strconv.Atoi(getEnv("CONSUMER_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid CONSUMER_WORKERS: %w", err)
	}
	config.ConsumerWorkers = workers

	switch config.StoreDriver {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q", config.StoreDriver)
	}
	switch config.RecordStore {
	case "sqlite", "dynamo":
	default:
		return nil, fmt.Errorf("invalid RECORD_STORE: %q", config.RecordStore)
	}
	switch config.TicketBackend {
	case "sqlite":
	case "supabase":
		if config.SupabaseURL == "" || config.SupabaseKey == "" {
			return nil, fmt.Errorf("TICKET_BACKEND=supabase requires SUPABASE_URL and SUPABASE_KEY")
		}
	default:
		return nil, fmt.Errorf("invalid TICKET_BACKEND: %q", config.TicketBackend)
	}

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
