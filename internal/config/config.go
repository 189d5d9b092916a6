package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	SessionSigningKey  string   `mapstructure:"SESSION_SIGNING_KEY"`
	TokenEncryptionKey string   `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	SMARTClientID      string   `mapstructure:"SMART_CLIENT_ID"`
	SMARTRedirectURI   string   `mapstructure:"SMART_REDIRECT_URI"`
	SMARTScopes        string   `mapstructure:"SMART_SCOPES"`
	LinkResultURL      string   `mapstructure:"LINK_RESULT_URL"`
	HTTPTimeoutSecs    int      `mapstructure:"HTTP_TIMEOUT_SECS"`
	PendingLinkTTLMins int      `mapstructure:"PENDING_LINK_TTL_MINS"`
	SyncConcurrency    int      `mapstructure:"SYNC_CONCURRENCY"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SMART_SCOPES", "launch/patient openid fhirUser offline_access patient/*.read")
	v.SetDefault("LINK_RESULT_URL", "/records/linked")
	v.SetDefault("HTTP_TIMEOUT_SECS", 30)
	v.SetDefault("PENDING_LINK_TTL_MINS", 10)
	v.SetDefault("SYNC_CONCURRENCY", 4)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("SESSION_SIGNING_KEY")
	v.BindEnv("TOKEN_ENCRYPTION_KEY")
	v.BindEnv("SMART_CLIENT_ID")
	v.BindEnv("SMART_REDIRECT_URI")
	v.BindEnv("SMART_SCOPES")
	v.BindEnv("LINK_RESULT_URL")
	v.BindEnv("HTTP_TIMEOUT_SECS")
	v.BindEnv("PENDING_LINK_TTL_MINS")
	v.BindEnv("SYNC_CONCURRENCY")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HTTPTimeout returns the timeout applied to every outbound call to an
// external authorization or FHIR server.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSecs) * time.Second
}

// PendingLinkTTL returns how long an unconsumed linking session stays valid.
// Callbacks arriving after this window are rejected as invalid state.
func (c *Config) PendingLinkTTL() time.Duration {
	return time.Duration(c.PendingLinkTTLMins) * time.Minute
}

// Validate checks that the configuration is safe to run. TOKEN_ENCRYPTION_KEY
// is always required because OAuth tokens are never persisted unencrypted.
// SESSION_SIGNING_KEY is required outside development.
func (c *Config) Validate() error {
	if c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required")
	}
	keyBytes, err := hex.DecodeString(c.TokenEncryptionKey)
	if err != nil {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	if !c.IsDev() && c.SessionSigningKey == "" {
		return fmt.Errorf("SESSION_SIGNING_KEY is required when ENV=%q", c.Env)
	}

	if c.SMARTClientID == "" {
		return fmt.Errorf("SMART_CLIENT_ID is required")
	}
	if c.SMARTRedirectURI == "" {
		return fmt.Errorf("SMART_REDIRECT_URI is required")
	}

	if c.HTTPTimeoutSecs <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT_SECS must be positive, got %d", c.HTTPTimeoutSecs)
	}
	if c.PendingLinkTTLMins <= 0 {
		return fmt.Errorf("PENDING_LINK_TTL_MINS must be positive, got %d", c.PendingLinkTTLMins)
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive, got %d", c.SyncConcurrency)
	}

	return nil
}
