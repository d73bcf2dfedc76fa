package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/dennisdiepolder/livedesk/internal/storage"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	WSReadTimeout  time.Duration
	WSWriteTimeout time.Duration
	LogLevel       string
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64

	// Conversations
	PageSize       int
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	// OneConfirmsBoth activates a call on the first media report
	OneConfirmsBoth bool

	// Agents
	PresenceStaleAfter    time.Duration
	PresenceSweepInterval time.Duration
	MaxActivePerAgent     int
	OneActivePerAgent     bool
	AutoRoute             bool
	RouteInterval         time.Duration
	// QueueTickInterval republishes queue statistics while conversations wait
	QueueTickInterval     time.Duration

	// Slots
	SlotGridFile string
	SlotTimezone *time.Location

	// Storage
	Store         storage.Config
	RetryAttempts int
	RetryBackoff  time.Duration

	// Files
	FilesDir    string
	MaxFileSize int64

	// Event mirror, disabled without a URL
	AMQPURL      string
	AMQPExchange string

	// Agent authentication
	SkipAuth        bool
	VerifySignature bool
	OIDCIssuer      string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SlotGridFile:   getEnv("SLOT_GRID_FILE", ""),
		Store:          storage.LoadConfig(),
		FilesDir:       getEnv("FILES_DIR", "./data/files"),
		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "livedesk.events"),
		OIDCIssuer:     getEnv("OIDC_ISSUER", ""),
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
	config.MaxMessageSize = 64 * 1024 // session descriptions are relayed through the socket

	ints := []struct {
		key  string
		def  string
		dest *int
	}{
		{"PAGE_SIZE", "20", &config.PageSize},
		{"MAX_ACTIVE_PER_AGENT", "1", &config.MaxActivePerAgent},
		{"STORE_RETRY_ATTEMPTS", "3", &config.RetryAttempts},
	}
	for _, i := range ints {
		v, err := strconv.Atoi(getEnv(i.key, i.def))
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid %s: %q", i.key, os.Getenv(i.key))
		}
		*i.dest = v
	}
	if config.PageSize == 0 {
		return nil, fmt.Errorf("invalid PAGE_SIZE: must be positive")
	}

	durations := []struct {
		key  string
		def  string
		dest *time.Duration
	}{
		{"RING_TIMEOUT", "30s", &config.RingTimeout},
		{"CALL_CONNECT_TIMEOUT", "30s", &config.ConnectTimeout},
		{"PRESENCE_STALE_AFTER", "15s", &config.PresenceStaleAfter},
		{"PRESENCE_SWEEP_INTERVAL", "5s", &config.PresenceSweepInterval},
		{"ROUTE_INTERVAL", "2s", &config.RouteInterval},
		{"QUEUE_TICK_INTERVAL", "5s", &config.QueueTickInterval},
		{"STORE_RETRY_BACKOFF", "50ms", &config.RetryBackoff},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", d.key)
		}
		*d.dest = v
	}

	bools := []struct {
		key  string
		def  string
		dest *bool
	}{
		{"ONE_ACTIVE_PER_AGENT", "true", &config.OneActivePerAgent},
		{"CALL_ONE_CONFIRMS_BOTH", "false", &config.OneConfirmsBoth},
		{"AUTO_ROUTE", "false", &config.AutoRoute},
		{"SKIP_AUTH", "false", &config.SkipAuth},
		{"VERIFY_JWT_SIGNATURE", "false", &config.VerifySignature},
	}
	for _, b := range bools {
		v, err := strconv.ParseBool(getEnv(b.key, b.def))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", b.key, err)
		}
		*b.dest = v
	}

	// In production, verify signature by default
	if env := os.Getenv("ENV"); env != "development" && env != "" {
		config.VerifySignature = true
	}

	maxFileSize, err := strconv.ParseInt(getEnv("MAX_FILE_SIZE", "10485760"), 10, 64)
	if err != nil || maxFileSize <= 0 {
		return nil, fmt.Errorf("invalid MAX_FILE_SIZE: %q", os.Getenv("MAX_FILE_SIZE"))
	}
	config.MaxFileSize = maxFileSize

	config.SlotTimezone, err = time.LoadLocation(getEnv("SLOT_TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid SLOT_TIMEZONE: %w", err)
	}

	// Trim spaces from allowed origins
	for i, origin := range config.AllowedOrigins {
		config.AllowedOrigins[i] = strings.TrimSpace(origin)
	}

	return config, nil
}

// MaxActive returns the per-agent limit of active conversations, 0 meaning unlimited
func (c *Config) MaxActive() int {
	if c.OneActivePerAgent {
		return 1
	}
	return c.MaxActivePerAgent
}

// getEnv gets an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
