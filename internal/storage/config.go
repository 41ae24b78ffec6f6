package storage

import "os"

// DynamoMode represents the DynamoDB connection mode
type DynamoMode string

const (
	DynamoModeLocal DynamoMode = "local"
	DynamoModeAWS   DynamoMode = "aws"
)

// DynamoConfig holds DynamoDB configuration
type DynamoConfig struct {
	Mode               DynamoMode
	Endpoint           string // for local mode
	Region             string
	HandoffTable       string
	EventsTable        string
	SessionLockTable   string
	NotificationsTable string
}

// LoadDynamoConfig loads DynamoDB config from environment
func LoadDynamoConfig() DynamoConfig {
	mode := DynamoMode(getEnv("DYNAMO_MODE", "local"))
	if mode != DynamoModeAWS {
		mode = DynamoModeLocal
	}

	return DynamoConfig{
		Mode:               mode,
		Endpoint:           getEnv("DYNAMO_ENDPOINT", "http://localhost:8000"),
		Region:             getEnv("DYNAMO_REGION", "eu-central-1"),
		HandoffTable:       getEnv("DYNAMO_HANDOFF_TABLE", "handoff-requests"),
		EventsTable:        getEnv("DYNAMO_EVENTS_TABLE", "handoff-events"),
		SessionLockTable:   getEnv("DYNAMO_SESSION_LOCK_TABLE", "handoff-session-locks"),
		NotificationsTable: getEnv("DYNAMO_NOTIFICATIONS_TABLE", "handoff-notifications"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
