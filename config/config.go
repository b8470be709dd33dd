package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// MQTT transport
	MQTTBroker      string
	MQTTUsername    string
	MQTTPassword    string
	MQTTClientID    string
	MQTTEventTopic  string // wildcard topic carrying device event payloads
	MQTTTopicPrefix string // per-device command/ack/state topics hang off this
	CommandTimeout  time.Duration

	// Firebase persistence / registry
	FirebaseDbUrl              string
	FirebaseServiceAccountJSON string

	// RabbitMQ history fan-out (optional)
	RabbitMQURL      string
	RabbitMQExchange string
	RabbitMQQueue    string

	// Telegram operator alerts (optional)
	TelegramBotToken string
	TelegramChatID   string

	// Adaptive polling tiers
	ActiveInterval   time.Duration
	RecentInterval   time.Duration
	StandbyInterval  time.Duration
	ActiveThreshold  time.Duration
	StandbyThreshold time.Duration

	// Session engine timers
	InfoPollInterval     time.Duration
	FallbackPollInterval time.Duration
	DeviceQueryTimeout   time.Duration

	// Historical telemetry query cap
	HistoryFetchLimit int
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		MQTTBroker:      getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "rangepulse-engine"),
		MQTTEventTopic:  getEnv("MQTT_EVENT_TOPIC", "targets/+/events"),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "targets"),
		CommandTimeout:  getEnvDuration("COMMAND_TIMEOUT", 3*time.Second),

		FirebaseDbUrl:              getEnv("FIREBASE_DB_URL", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "rangepulse"),
		RabbitMQQueue:    getEnv("RABBITMQ_QUEUE", "session_history_queue"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		// Defaults - can be overridden by env vars
		ActiveInterval:   getEnvDuration("POLL_ACTIVE_INTERVAL", 2*time.Second),
		RecentInterval:   getEnvDuration("POLL_RECENT_INTERVAL", 15*time.Second),
		StandbyInterval:  getEnvDuration("POLL_STANDBY_INTERVAL", time.Minute),
		ActiveThreshold:  getEnvDuration("POLL_ACTIVE_THRESHOLD", 30*time.Second),
		StandbyThreshold: getEnvDuration("POLL_STANDBY_THRESHOLD", 5*time.Minute),

		InfoPollInterval:     getEnvDuration("INFO_POLL_INTERVAL", 5*time.Second),
		FallbackPollInterval: getEnvDuration("FALLBACK_POLL_INTERVAL", 3*time.Second),
		DeviceQueryTimeout:   getEnvDuration("DEVICE_QUERY_TIMEOUT", 2*time.Second),

		HistoryFetchLimit: getEnvInt("HISTORY_FETCH_LIMIT", 500),
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	if c.ActiveInterval <= 0 || c.RecentInterval <= 0 || c.StandbyInterval <= 0 {
		return fmt.Errorf("polling tier intervals must be positive")
	}
	if c.ActiveThreshold >= c.StandbyThreshold {
		return fmt.Errorf("active threshold (%s) must be below standby threshold (%s)",
			c.ActiveThreshold, c.StandbyThreshold)
	}
	if c.FallbackPollInterval <= 0 {
		return fmt.Errorf("fallback poll interval must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
