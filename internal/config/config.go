// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	DevMode  bool
	HTTPPort string
	LogLevel string

	GoogleClientID          string
	OperatorEmail           string
	GoogleClientSecretParam string
	GoogleRedirectURL       string
	JWTSecretParam          string
	APIGatewaySecretParam   string
	FrontendURL             string

	CredentialsTable    string
	ChannelsTable       string
	KMSKeyID            string
	CredentialRetention time.Duration

	DriveRootID        string
	WebhookURL         string
	ChannelTTL         time.Duration
	ChannelRenewBefore time.Duration

	ArchiveMaxDepth int
	ArchiveMaxNodes int
}

// Load reads configuration from environment variables with sane defaults.
// A .env file in the working directory is honoured when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	devMode := getBool("DEV_MODE", false)

	redirect := os.Getenv("GOOGLE_REDIRECT_URL")
	frontendURL := getEnv("FRONTEND_URL", "http://localhost:3000")
	if redirect == "" {
		if devMode {
			redirect = "http://localhost:8080/auth/callback"
		} else {
			redirect = frontendURL + "/api/auth/callback"
		}
	}

	cfg := Config{
		DevMode:  devMode,
		HTTPPort: getEnv("HTTP_PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		GoogleClientID:          os.Getenv("GOOGLE_CLIENT_ID"),
		OperatorEmail:           strings.TrimSpace(os.Getenv("OPERATOR_EMAIL")),
		GoogleClientSecretParam: getEnv("GOOGLE_CLIENT_SECRET_PARAM", "/docbrowser/google-client-secret"),
		GoogleRedirectURL:       redirect,
		JWTSecretParam:          getEnv("JWT_SECRET_PARAM", "/docbrowser/jwt-secret"),
		APIGatewaySecretParam:   getEnv("API_GATEWAY_SECRET_PARAM", "/docbrowser/api-gateway-secret"),
		FrontendURL:             frontendURL,

		CredentialsTable:    getEnv("CREDENTIALS_TABLE", "DriveCredentials"),
		ChannelsTable:       getEnv("CHANNELS_TABLE", "DriveChannels"),
		KMSKeyID:            getEnv("KMS_KEY_ID", "alias/docbrowser-token-key"),
		CredentialRetention: getDuration("CREDENTIAL_RETENTION", 90*24*time.Hour),

		DriveRootID:        getEnv("DRIVE_ROOT_FOLDER_ID", "root"),
		WebhookURL:         os.Getenv("WEBHOOK_URL"),
		ChannelTTL:         getDuration("CHANNEL_TTL", 7*24*time.Hour),
		ChannelRenewBefore: getDuration("CHANNEL_RENEW_BEFORE", 24*time.Hour),

		ArchiveMaxDepth: getInt("ARCHIVE_MAX_DEPTH", 32),
		ArchiveMaxNodes: getInt("ARCHIVE_MAX_NODES", 10000),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if !c.DevMode && c.GoogleClientID == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID is required outside DEV_MODE")
	}
	if !c.DevMode && c.OperatorEmail == "" {
		return fmt.Errorf("OPERATOR_EMAIL is required outside DEV_MODE")
	}
	if c.ChannelTTL <= 0 {
		return fmt.Errorf("CHANNEL_TTL must be positive")
	}
	if c.ChannelRenewBefore < 0 {
		return fmt.Errorf("CHANNEL_RENEW_BEFORE must not be negative")
	}
	if c.ArchiveMaxDepth <= 0 || c.ArchiveMaxNodes <= 0 {
		return fmt.Errorf("ARCHIVE_MAX_DEPTH and ARCHIVE_MAX_NODES must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
