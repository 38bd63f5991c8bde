package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the license server.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	// AdminKey gates the debug dump and seat removal. Empty disables those
	// endpoints entirely rather than leaving them open.
	AdminKey string

	// SigningSecret verifies provider webhook signatures. Empty is a
	// misconfiguration the webhook endpoint reports as 500.
	SigningSecret string

	// APIKey enables the provider REST oracles (key lookup, seat quantity).
	// Empty runs redemption in permissive offline mode.
	APIKey string

	// StoreSlug is the provider store subdomain for billing portal URLs.
	StoreSlug string

	PublicMetrics bool
}

// LoadConfig loads configuration from environment variables. A .env file is
// loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("LICENSED_PORT", 10000)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:       envOrDefault("LICENSED_DATA_DIR", "/data"),
		BindAddress:   envOrDefault("LICENSED_BIND_ADDRESS", "0.0.0.0"),
		Port:          port,
		AdminKey:      strings.TrimSpace(os.Getenv("LICENSED_ADMIN_KEY")),
		SigningSecret: strings.TrimSpace(os.Getenv("LEMON_SIGNING_SECRET")),
		APIKey:        strings.TrimSpace(os.Getenv("LEMON_API_KEY")),
		StoreSlug:     strings.TrimSpace(os.Getenv("LEMON_STORE")),
		PublicMetrics: envBool("LICENSED_PUBLIC_METRICS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("LICENSED_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("LICENSED_DATA_DIR must not be empty")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
