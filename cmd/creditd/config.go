package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagConfigFile          = "config"
	flagEnvFile             = "env-file"
	flagDatabaseURL         = "database-url"
	flagHTTPListenAddr      = "http-listen-addr"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagRequestTimeout      = "request-timeout"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagCronUsername        = "cron-username"
	flagCronPassword        = "cron-password"
	flagSweepSchedule       = "sweep-schedule"
	flagSweepBatchSize      = "sweep-batch-size"
	flagSweepConcurrency    = "sweep-concurrency"
	flagChatAPIKey          = "chat-api-key"
	flagChatBaseURL         = "chat-base-url"
	flagChatModel           = "chat-model"
	flagChatCredits         = "chat-credits-per-message"
	flagSMTPHost            = "smtp-host"
	flagSMTPPort            = "smtp-port"
	flagSMTPUsername        = "smtp-username"
	flagSMTPPassword        = "smtp-password"
	flagSMTPFrom            = "smtp-from"

	configKeyCatalog = "catalog"
	envPrefix        = "CREDITD"
	defaultEnvFile   = ".env"
)

var boundFlags = []string{
	flagDatabaseURL, flagHTTPListenAddr, flagGRPCListenAddr, flagAllowedOrigins, flagRequestTimeout,
	flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
	flagStripeWebhookSecret, flagCronUsername, flagCronPassword,
	flagSweepSchedule, flagSweepBatchSize, flagSweepConcurrency,
	flagChatAPIKey, flagChatBaseURL, flagChatModel, flagChatCredits,
	flagSMTPHost, flagSMTPPort, flagSMTPUsername, flagSMTPPassword, flagSMTPFrom,
}

func registerFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "optional YAML config file (holds the billing catalog)")
	flags.String(flagEnvFile, defaultEnvFile, "dotenv file loaded before reading the environment")
	flags.String(flagDatabaseURL, "", "postgres://, mysql:// or sqlite:// connection string")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address")
	flags.String(flagGRPCListenAddr, "", "internal gRPC listen address (disabled when empty)")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.Duration(flagRequestTimeout, 0, "per-request database timeout (e.g. 10s)")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagStripeWebhookSecret, "", "Stripe webhook signing secret (webhook disabled when empty)")
	flags.String(flagCronUsername, "", "Basic-Auth user for the cron endpoint")
	flags.String(flagCronPassword, "", "Basic-Auth password for the cron endpoint")
	flags.String(flagSweepSchedule, "", "in-process cron schedule for the credit sweep (disabled when empty)")
	flags.Int(flagSweepBatchSize, 0, "users fetched per sweep batch")
	flags.Int(flagSweepConcurrency, 0, "users processed concurrently during a sweep")
	flags.String(flagChatAPIKey, "", "OpenAI-compatible API key (chat disabled when empty)")
	flags.String(flagChatBaseURL, "", "OpenAI-compatible base URL")
	flags.String(flagChatModel, "", "chat model name")
	flags.Int64(flagChatCredits, 0, "credits charged per answered chat message")
	flags.String(flagSMTPHost, "", "SMTP host for purchase receipts (receipts disabled when empty)")
	flags.String(flagSMTPPort, "", "SMTP port")
	flags.String(flagSMTPUsername, "", "SMTP username")
	flags.String(flagSMTPPassword, "", "SMTP password")
	flags.String(flagSMTPFrom, "", "receipt sender address")
}

// loadConfig layers flags over CREDITD_* environment variables over the
// optional config file.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	envFile, err := flags.GetString(flagEnvFile)
	if err != nil {
		return config.Config{}, err
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configFile, err := flags.GetString(flagConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	for _, flagName := range boundFlags {
		if err := v.BindPFlag(flagName, flags.Lookup(flagName)); err != nil {
			return config.Config{}, err
		}
	}

	cfg := config.Config{
		HTTPListenAddr:        v.GetString(flagHTTPListenAddr),
		GRPCListenAddr:        v.GetString(flagGRPCListenAddr),
		DatabaseURL:           v.GetString(flagDatabaseURL),
		AllowedOrigins:        config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		RequestTimeout:        v.GetDuration(flagRequestTimeout),
		SessionSigningKey:     v.GetString(flagJWTSigningKey),
		SessionIssuer:         v.GetString(flagJWTIssuer),
		SessionCookieName:     v.GetString(flagJWTCookieName),
		StripeWebhookSecret:   v.GetString(flagStripeWebhookSecret),
		CronUsername:          v.GetString(flagCronUsername),
		CronPassword:          v.GetString(flagCronPassword),
		SweepSchedule:         v.GetString(flagSweepSchedule),
		SweepBatchSize:        v.GetInt(flagSweepBatchSize),
		SweepConcurrency:      v.GetInt(flagSweepConcurrency),
		ChatAPIKey:            v.GetString(flagChatAPIKey),
		ChatBaseURL:           v.GetString(flagChatBaseURL),
		ChatModel:             v.GetString(flagChatModel),
		ChatCreditsPerMessage: v.GetInt64(flagChatCredits),
		SMTPHost:              v.GetString(flagSMTPHost),
		SMTPPort:              v.GetString(flagSMTPPort),
		SMTPUsername:          v.GetString(flagSMTPUsername),
		SMTPPassword:          v.GetString(flagSMTPPassword),
		SMTPFrom:              v.GetString(flagSMTPFrom),
	}
	if v.IsSet(configKeyCatalog) {
		if err := v.UnmarshalKey(configKeyCatalog, &cfg.Catalog); err != nil {
			return config.Config{}, fmt.Errorf("decode catalog: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
