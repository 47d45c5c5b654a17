package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	RelayURL         string
	APIURL           string
	DBFile           string
	TypingTTL        time.Duration
	RingTimeout      time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	ReconnectRetries int
}

func Load() (*Config, error) {
	typingTTL, err := time.ParseDuration(getEnv("VESTNIK_TYPING_TTL", "6s"))
	if err != nil {
		return nil, fmt.Errorf("VESTNIK_TYPING_TTL: %w", err)
	}
	ringTimeout, err := time.ParseDuration(getEnv("VESTNIK_RING_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("VESTNIK_RING_TIMEOUT: %w", err)
	}

	cfg := &Config{
		RelayURL:         getEnv("VESTNIK_RELAY_URL", "ws://localhost:8080/ws"),
		APIURL:           getEnv("VESTNIK_API_URL", "http://localhost:8080"),
		DBFile:           getEnv("VESTNIK_DB", "vestnik.db"),
		TypingTTL:        typingTTL,
		RingTimeout:      ringTimeout,
		ReconnectBase:    time.Second,
		ReconnectCap:     30 * time.Second,
		ReconnectRetries: 5,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.RelayURL == "" {
		return fmt.Errorf("VESTNIK_RELAY_URL is required")
	}
	if c.APIURL == "" {
		return fmt.Errorf("VESTNIK_API_URL is required")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("VESTNIK_TYPING_TTL must be greater than 0")
	}
	if c.RingTimeout <= 0 {
		return fmt.Errorf("VESTNIK_RING_TIMEOUT must be greater than 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
