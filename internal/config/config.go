// Package config provides configuration loading for the certification service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load() does not override already-set environment variables,
// so the process environment always takes precedence over .env files.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the certification service.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP server port

	// Persistence: PostgreSQL wins over SQLite; with neither the in-memory store is used
	DatabaseDSN string // PostgreSQL connection string
	SQLitePath  string // SQLite database file

	NATSURL   string // NATS server URL for event streams
	RedisAddr string // Redis address for the shared used-code set
	RedisKey  string // Redis set key for used codes

	// Certificate archive
	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	// Authentication
	JWTSecret   string // HS256 shared secret
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // Optional identity provider key set for EdDSA tokens

	CatalogPath string // Course catalog JSON; empty uses the embedded catalog

	// Certificate delivery
	SendGridAPIKey string        // SendGrid API key; empty disables email
	MailFrom       string        // Sender address
	MailFromName   string        // Sender display name
	CertFont       string        // TrueType font for certificate artwork
	NotifyTimeout  time.Duration // Bound on one delivery attempt

	TracingEnabled bool // Export spans to stdout

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort          = "8080"      // Default HTTP server port
	defaultS3Region      = "us-east-1" // Default S3 region
	defaultEnv           = "dev"       // Default environment
	defaultMailFromName  = "Skillvergence"
	defaultNotifyTimeout = 2 * time.Minute
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("SKV_ENV", defaultEnv),
		Port:               getEnv("SKV_PORT", getEnv("PORT", defaultPort)),
		DatabaseDSN:        os.Getenv("SKV_DB_DSN"),
		SQLitePath:         os.Getenv("SKV_SQLITE_PATH"),
		NATSURL:            os.Getenv("SKV_NATS_URL"),
		RedisAddr:          os.Getenv("SKV_REDIS_ADDR"),
		RedisKey:           os.Getenv("SKV_REDIS_KEY"),
		S3Endpoint:         os.Getenv("SKV_S3_ENDPOINT"),
		S3Region:           getEnv("SKV_S3_REGION", defaultS3Region),
		S3Bucket:           os.Getenv("SKV_S3_BUCKET"),
		S3AccessKey:        os.Getenv("SKV_S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("SKV_S3_SECRET_KEY"),
		JWTSecret:          os.Getenv("SKV_JWT_SECRET"),
		JWTIssuer:          os.Getenv("SKV_JWT_ISSUER"),
		JWTAudience:        os.Getenv("SKV_JWT_AUDIENCE"),
		JWKSURL:            os.Getenv("SKV_JWKS_URL"),
		CatalogPath:        os.Getenv("SKV_CATALOG_PATH"),
		SendGridAPIKey:     os.Getenv("SKV_SENDGRID_API_KEY"),
		MailFrom:           os.Getenv("SKV_MAIL_FROM"),
		MailFromName:       getEnv("SKV_MAIL_FROM_NAME", defaultMailFromName),
		CertFont:           os.Getenv("SKV_CERT_FONT"),
		NotifyTimeout:      defaultNotifyTimeout,
		TracingEnabled:     parseBool(os.Getenv("SKV_TRACING")),
		CORSAllowedOrigins: splitList(os.Getenv("SKV_CORS_ALLOWED_ORIGINS")),
	}

	if v, exists := os.LookupEnv("SKV_NOTIFY_TIMEOUT"); exists {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("SKV_NOTIFY_TIMEOUT must be a positive duration, got %q", v)
		}
		cfg.NotifyTimeout = d
	}

	// Validate required parameters
	if cfg.JWTSecret == "" {
		return cfg, fmt.Errorf("SKV_JWT_SECRET is required")
	}
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("SKV_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("SKV_JWT_AUDIENCE is required")
	}
	if cfg.SendGridAPIKey != "" && cfg.MailFrom == "" {
		return cfg, fmt.Errorf("SKV_MAIL_FROM is required when SKV_SENDGRID_API_KEY is set")
	}
	if cfg.Env == "prod" && cfg.StorageBackend() == "memory" {
		return cfg, fmt.Errorf("SKV_DB_DSN or SKV_SQLITE_PATH is required in prod")
	}

	return cfg, nil
}

// StorageBackend names the store the configuration selects: postgres, sqlite or memory.
func (c Config) StorageBackend() string {
	switch {
	case c.DatabaseDSN != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
