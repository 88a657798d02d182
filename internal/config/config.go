// Package config loads and validates service configuration from
// environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
)

// DefaultAllowedMIMETypes is the canonical upload allow-list.
const DefaultAllowedMIMETypes = "image/jpeg,image/png,image/heic,image/heif,image/webp,image/gif,image/tiff"

// Config holds all service parameters. Blob and database backends read
// their own VIAL_BLOB_* / VIAL_DB_* variables at construction.
type Config struct {
	// HTTP listen port
	Port int `env:"PORT,default=8080"`
	// Log level (debug, info, warn, error) and format (text, json)
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"`

	// Upper bound on request payloads, enforced before buffering bodies
	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES,default=10485760"`
	// Validity window of issued signed URLs
	SignedURLTTLSeconds int `env:"SIGNED_URL_TTL_SECONDS,default=3600"`
	// Comma-separated MIME allow-list for uploads
	AllowedMIMETypes string `env:"ALLOWED_MIME_TYPES"`

	// External detection service
	DetectionURL            string `env:"DETECTION_URL"`
	DetectionAPIKey         string `env:"DETECTION_API_KEY"`
	DetectionTimeoutSeconds int    `env:"DETECTION_TIMEOUT_SECONDS,default=10"`
	DetectionStroke         int    `env:"DETECTION_STROKE,default=2"`
	DetectionLabels         bool   `env:"DETECTION_LABELS,default=false"`

	// Optional Redis-backed proposal cache; inline proposals when unset
	ProposalCacheAddr  string `env:"PROPOSAL_CACHE_ADDR"`
	ProposalTTLSeconds int    `env:"PROPOSAL_TTL_SECONDS,default=900"`
}

// Load reads the environment into a Config and validates required fields.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if cfg.AllowedMIMETypes == "" {
		cfg.AllowedMIMETypes = DefaultAllowedMIMETypes
	}
	if cfg.DetectionURL == "" {
		return nil, fmt.Errorf("DETECTION_URL is required")
	}
	if cfg.DetectionAPIKey == "" {
		return nil, fmt.Errorf("DETECTION_API_KEY is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if cfg.SignedURLTTLSeconds <= 0 {
		return nil, fmt.Errorf("SIGNED_URL_TTL_SECONDS must be positive")
	}
	return &cfg, nil
}

// SignedURLTTL returns the signed URL validity window.
func (c *Config) SignedURLTTL() time.Duration {
	return time.Duration(c.SignedURLTTLSeconds) * time.Second
}

// DetectionTimeout returns the per-call detection budget.
func (c *Config) DetectionTimeout() time.Duration {
	return time.Duration(c.DetectionTimeoutSeconds) * time.Second
}

// ProposalTTL returns the proposal cache entry lifetime.
func (c *Config) ProposalTTL() time.Duration {
	return time.Duration(c.ProposalTTLSeconds) * time.Second
}

// AllowedTypes returns the allow-list as a normalized slice.
func (c *Config) AllowedTypes() []string {
	var out []string
	for _, t := range strings.Split(c.AllowedMIMETypes, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// SetupLogger builds the process logger from LogLevel and LogFormat.
func SetupLogger(c *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
