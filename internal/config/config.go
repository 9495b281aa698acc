// Package config holds the runtime settings shared by the creditd commands.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/billing"
)

const (
	defaultHTTPListenAddr      = ":8080"
	defaultDatabaseURL         = "sqlite:///tmp/credits.db"
	defaultAllowedOrigin       = "http://localhost:3000"
	defaultSessionIssuer       = "tauth"
	defaultSessionCookie       = "app_session"
	defaultRequestTimeout      = 10 * time.Second
	defaultSweepBatchSize      = 200
	defaultSweepConcurrency    = 8
	defaultChatCreditsPerReply = int64(1)
	defaultSMTPPort            = "587"
)

// Config aggregates runtime settings for the credits service.
type Config struct {
	HTTPListenAddr string
	// GRPCListenAddr enables the internal gRPC API when set.
	GRPCListenAddr string
	DatabaseURL    string
	AllowedOrigins []string
	RequestTimeout time.Duration

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	StripeWebhookSecret string
	CronUsername        string
	CronPassword        string
	SweepSchedule       string
	SweepBatchSize      int
	SweepConcurrency    int

	ChatAPIKey            string
	ChatBaseURL           string
	ChatModel             string
	ChatCreditsPerMessage int64

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	Catalog billing.Catalog
}

// Validate fills defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = defaultSweepBatchSize
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = defaultSweepConcurrency
	}
	if cfg.ChatCreditsPerMessage <= 0 {
		cfg.ChatCreditsPerMessage = defaultChatCreditsPerReply
	}
	cfg.SMTPPort = defaultIfEmpty(cfg.SMTPPort, defaultSMTPPort)

	if (cfg.CronUsername == "") != (cfg.CronPassword == "") {
		return fmt.Errorf("cron username and password must be set together")
	}
	if cfg.SMTPHost != "" && strings.TrimSpace(cfg.SMTPFrom) == "" {
		return fmt.Errorf("smtp sender address is required when smtp host is set")
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return err
	}
	return nil
}

// RequireSession rejects settings that cannot authenticate dashboard users.
// Only the serve command needs it.
func (cfg Config) RequireSession() error {
	if strings.TrimSpace(cfg.SessionSigningKey) == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// CronEnabled reports whether the HTTP cron endpoint is served.
func (cfg Config) CronEnabled() bool {
	return cfg.CronUsername != "" && cfg.CronPassword != ""
}

// ChatEnabled reports whether the metered chat action is served.
func (cfg Config) ChatEnabled() bool {
	return strings.TrimSpace(cfg.ChatAPIKey) != ""
}

// ReceiptsEnabled reports whether purchase receipts are mailed.
func (cfg Config) ReceiptsEnabled() bool {
	return strings.TrimSpace(cfg.SMTPHost) != ""
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
