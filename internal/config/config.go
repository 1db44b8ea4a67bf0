package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	ClientURL   string
	AppEnv      string
	LogLevel    string
	GracePeriod time.Duration

	// Per-connection transport limits
	SendBufferSize  int
	MaxMessageBytes int64

	// Empty disables the journal
	JournalDBPath string

	// Empty disables the activity feed
	RedisURL    string
	FeedChannel string
}

// Loads configuration from an optional .env file and the environment
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:            getenv("PORT", "5000"),
		ClientURL:       getenv("CLIENT_URL", "http://localhost:5173"),
		AppEnv:          getenv("APP_ENV", "production"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		GracePeriod:     getenvDuration("ROOM_GRACE_PERIOD", 5*time.Minute),
		SendBufferSize:  getenvInt("SEND_BUFFER_SIZE", 512),
		MaxMessageBytes: int64(getenvInt("MAX_MESSAGE_BYTES", 1024*1024)),
		JournalDBPath:   lookupEnv("JOURNAL_DB_PATH", "./data/journal.db"),
		RedisURL:        getenv("REDIS_URL", ""),
		FeedChannel:     getenv("FEED_CHANNEL", "collab:rooms"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT must not be empty")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("ROOM_GRACE_PERIOD must be positive, got %s", c.GracePeriod)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("SEND_BUFFER_SIZE must be positive, got %d", c.SendBufferSize)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("MAX_MESSAGE_BYTES must be positive, got %d", c.MaxMessageBytes)
	}
	return nil
}

func (c Config) Development() bool {
	return c.AppEnv == "development"
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

// Like getenv, but an explicitly empty variable is kept (used to switch features off)
func lookupEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
