package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (rate limiting + send-path idempotency)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SendGrid send path
	SendGridAPIKey string
	SenderEmail    string // configured outbound sender, echoed in custom_args
	SenderName     string

	// SendGrid event webhook
	WebhookPublicKey            string // ECDSA verification key, PEM or bare base64
	WebhookVerificationDisabled bool   // non-production escape hatch only

	// Encryption key for account numbers at rest (64 hex chars)
	EncryptionKey string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "mailtrack",
		DBPassword: "",
		DBName:     "mailtrack",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		SenderEmail: "statements@mailtrack.local",
		SenderName:  "Player Statements",
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// SendGrid config
	if key := os.Getenv("SENDGRID_API_KEY"); key != "" {
		cfg.SendGridAPIKey = key
	}

	if from := os.Getenv("SENDER_EMAIL"); from != "" {
		cfg.SenderEmail = from
	}

	if name := os.Getenv("SENDER_NAME"); name != "" {
		cfg.SenderName = name
	}

	if key := os.Getenv("SENDGRID_WEBHOOK_PUBLIC_KEY"); key != "" {
		cfg.WebhookPublicKey = key
	}

	if v := os.Getenv("DISABLE_WEBHOOK_VERIFICATION"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DISABLE_WEBHOOK_VERIFICATION: %w", err)
		}
		cfg.WebhookVerificationDisabled = b
	}

	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		cfg.EncryptionKey = key
	}

	// Verification only goes off through the explicit flag. A missing key is a
	// deployment mistake in any environment; catch it at boot instead of
	// rejecting every webhook at runtime.
	if !cfg.WebhookVerificationDisabled && cfg.WebhookPublicKey == "" {
		return nil, fmt.Errorf("SENDGRID_WEBHOOK_PUBLIC_KEY is required unless DISABLE_WEBHOOK_VERIFICATION is set")
	}

	return cfg, nil
}
