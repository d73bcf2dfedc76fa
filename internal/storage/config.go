package storage

import (
	"os"
	"strings"
)

// Mode selects the storage backend
type Mode string

const (
	ModeMemory      Mode = "memory"
	ModeDynamoLocal Mode = "dynamo-local"
	ModeDynamoAWS   Mode = "dynamo-aws"
	ModeSQLite      Mode = "sqlite"
	ModePostgres    Mode = "postgres"
)

// Config holds storage configuration
type Config struct {
	Mode Mode

	// DynamoDB
	Endpoint           string // for dynamo-local
	Region             string
	ConversationsTable string
	MessagesTable      string
	SessionsTable      string
	CountersTable      string

	// GORM
	DSN string
}

// LoadConfig loads storage config from environment
func LoadConfig() Config {
	mode := Mode(strings.ToLower(getEnv("STORE_MODE", string(ModeMemory))))
	switch mode {
	case ModeDynamoLocal, ModeDynamoAWS, ModeSQLite, ModePostgres:
	default:
		mode = ModeMemory
	}

	return Config{
		Mode:               mode,
		Endpoint:           getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
		Region:             getEnv("DYNAMO_REGION", "eu-central-1"),
		ConversationsTable: getEnv("DYNAMO_CONVERSATIONS_TABLE", "livedesk-conversations"),
		MessagesTable:      getEnv("DYNAMO_MESSAGES_TABLE", "livedesk-messages"),
		SessionsTable:      getEnv("DYNAMO_SESSIONS_TABLE", "livedesk-sessions"),
		CountersTable:      getEnv("DYNAMO_COUNTERS_TABLE", "livedesk-counters"),
		DSN:                getEnv("STORE_DSN", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
