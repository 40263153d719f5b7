// Package config provides centralized configuration management for the
// seenspeak server. Configuration is loaded from environment variables with
// sensible defaults. Required configuration that is missing will cause the
// application to fail fast with helpful error messages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server configuration
	Host    string
	Port    int
	TLSCert string
	TLSKey  string

	// Database configuration
	DBType string // "sqlite" or "postgres"
	DBDSN  string

	// Token configuration. The RSA keypair signs access and refresh tokens.
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	AccessExpiry      time.Duration
	RefreshExpiry     time.Duration

	// Signaling timing
	HandshakeTimeout  time.Duration
	RingTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Per-connection inbound message budget
	MessageRate  float64
	MessageBurst int

	// Captioning pipeline. Empty TranscriberURL disables the server media
	// endpoint; calls then run signaling-only.
	TranscriberURL string
	STUNServers    []string

	// Transcript archive: "none", "local", or "s3"
	ArchiveBackend     string
	ArchiveDir         string
	S3Bucket           string
	S3Region           string
	S3Endpoint         string
	S3Prefix           string
	S3AccessKeyID      string
	S3SecretAccessKey  string
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Default values
const (
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 8765
	DefaultDBType            = "sqlite"
	DefaultDBDSN             = "seenspeak.db"
	DefaultAccessExpiry      = 15 * time.Minute
	DefaultRefreshExpiry     = 7 * 24 * time.Hour
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultRingTimeout       = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 15 * time.Second
	DefaultMessageRate       = 50.0
	DefaultMessageBurst      = 100
	DefaultArchiveBackend    = "none"
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		DBType:            DefaultDBType,
		DBDSN:             DefaultDBDSN,
		AccessExpiry:      DefaultAccessExpiry,
		RefreshExpiry:     DefaultRefreshExpiry,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		RingTimeout:       DefaultRingTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		MessageRate:       DefaultMessageRate,
		MessageBurst:      DefaultMessageBurst,
		ArchiveBackend:    DefaultArchiveBackend,
	}

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("SEENSPEAK_HOST"); v != "" {
		c.Host = v
	}

	if v := os.Getenv("SEENSPEAK_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "SEENSPEAK_PORT",
				Message: fmt.Sprintf("invalid port number: %q (must be an integer)", v),
			})
		} else {
			c.Port = port
		}
	}

	if v := os.Getenv("SEENSPEAK_TLS_CERT"); v != "" {
		c.TLSCert = v
	}
	if v := os.Getenv("SEENSPEAK_TLS_KEY"); v != "" {
		c.TLSKey = v
	}

	if v := os.Getenv("SEENSPEAK_DB_TYPE"); v != "" {
		c.DBType = v
	}
	if v := os.Getenv("SEENSPEAK_DB_DSN"); v != "" {
		c.DBDSN = v
	}

	if v := os.Getenv("SEENSPEAK_JWT_PRIVATE_KEY"); v != "" {
		c.JWTPrivateKeyPath = v
	}
	if v := os.Getenv("SEENSPEAK_JWT_PUBLIC_KEY"); v != "" {
		c.JWTPublicKeyPath = v
	}

	c.durationFromEnv("SEENSPEAK_ACCESS_EXPIRY", &c.AccessExpiry, &parseErrors)
	c.durationFromEnv("SEENSPEAK_REFRESH_EXPIRY", &c.RefreshExpiry, &parseErrors)
	c.durationFromEnv("SEENSPEAK_HANDSHAKE_TIMEOUT", &c.HandshakeTimeout, &parseErrors)
	c.durationFromEnv("SEENSPEAK_RING_TIMEOUT", &c.RingTimeout, &parseErrors)
	c.durationFromEnv("SEENSPEAK_HEARTBEAT_INTERVAL", &c.HeartbeatInterval, &parseErrors)
	c.durationFromEnv("SEENSPEAK_HEARTBEAT_TIMEOUT", &c.HeartbeatTimeout, &parseErrors)

	if v := os.Getenv("SEENSPEAK_MESSAGE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "SEENSPEAK_MESSAGE_RATE",
				Message: fmt.Sprintf("invalid rate: %q (must be a positive number)", v),
			})
		} else {
			c.MessageRate = rate
		}
	}

	if v := os.Getenv("SEENSPEAK_MESSAGE_BURST"); v != "" {
		burst, err := strconv.Atoi(v)
		if err != nil || burst <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "SEENSPEAK_MESSAGE_BURST",
				Message: fmt.Sprintf("invalid burst: %q (must be a positive integer)", v),
			})
		} else {
			c.MessageBurst = burst
		}
	}

	if v := os.Getenv("SEENSPEAK_TRANSCRIBER_URL"); v != "" {
		c.TranscriberURL = v
	}
	if v := os.Getenv("SEENSPEAK_STUN_SERVERS"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.STUNServers = append(c.STUNServers, s)
			}
		}
	}

	if v := os.Getenv("SEENSPEAK_ARCHIVE_BACKEND"); v != "" {
		c.ArchiveBackend = v
	}
	if v := os.Getenv("SEENSPEAK_ARCHIVE_DIR"); v != "" {
		c.ArchiveDir = v
	}
	if v := os.Getenv("SEENSPEAK_S3_BUCKET"); v != "" {
		c.S3Bucket = v
	}
	if v := os.Getenv("SEENSPEAK_S3_REGION"); v != "" {
		c.S3Region = v
	}
	if v := os.Getenv("SEENSPEAK_S3_ENDPOINT"); v != "" {
		c.S3Endpoint = v
	}
	if v := os.Getenv("SEENSPEAK_S3_PREFIX"); v != "" {
		c.S3Prefix = v
	}
	if v := os.Getenv("SEENSPEAK_S3_ACCESS_KEY_ID"); v != "" {
		c.S3AccessKeyID = v
	}
	if v := os.Getenv("SEENSPEAK_S3_SECRET_ACCESS_KEY"); v != "" {
		c.S3SecretAccessKey = v
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// durationFromEnv parses an environment variable as a time.Duration
// (e.g. "15m", "30s") into dst.
func (c *Config) durationFromEnv(key string, dst *time.Duration, errs *ValidationErrors) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, ValidationError{
			Field:   key,
			Message: fmt.Sprintf("invalid duration: %q (expected forms like \"30s\", \"15m\")", v),
		})
		return
	}
	if d <= 0 {
		*errs = append(*errs, ValidationError{
			Field:   key,
			Message: fmt.Sprintf("duration must be positive: %q", v),
		})
		return
	}
	*dst = d
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "SEENSPEAK_PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port),
		})
	}

	if c.DBType != "sqlite" && c.DBType != "postgres" {
		errs = append(errs, ValidationError{
			Field:   "SEENSPEAK_DB_TYPE",
			Message: fmt.Sprintf("unsupported database type: %q", c.DBType),
		})
	}

	if c.DBDSN == "" {
		errs = append(errs, ValidationError{
			Field:   "SEENSPEAK_DB_DSN",
			Message: "database DSN cannot be empty",
		})
	}

	// TLS cert and key come as a pair.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, ValidationError{
			Field:   "SEENSPEAK_TLS_CERT",
			Message: "TLS cert and key must both be set or both be empty",
		})
	}

	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		errs = append(errs, ValidationError{
			Field:   "SEENSPEAK_HEARTBEAT_TIMEOUT",
			Message: fmt.Sprintf("heartbeat timeout (%v) must exceed the interval (%v)", c.HeartbeatTimeout, c.HeartbeatInterval),
		})
	}

	switch c.ArchiveBackend {
	case "none", "local", "s3":
	default:
		errs = append(errs, ValidationError{
			Field:   "SEENSPEAK_ARCHIVE_BACKEND",
			Message: fmt.Sprintf("unsupported archive backend: %q (expected none, local, or s3)", c.ArchiveBackend),
		})
	}
	if c.ArchiveBackend == "local" && c.ArchiveDir == "" {
		errs = append(errs, ValidationError{
			Field:   "SEENSPEAK_ARCHIVE_DIR",
			Message: "archive directory required for local backend",
		})
	}
	if c.ArchiveBackend == "s3" && c.S3Bucket == "" {
		errs = append(errs, ValidationError{
			Field:   "SEENSPEAK_S3_BUCKET",
			Message: "bucket required for s3 backend",
		})
	}

	return errs
}

// MustLoad loads configuration and exits if it fails.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n", err)
		os.Exit(1)
	}
	return cfg
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether a certificate pair is configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
