package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL      string
	DBMaxOpenConns   int
	DBConnectTimeout time.Duration

	// Vault
	EncryptionKey string
	VaultSaltFile string

	// Sites / Browser
	SitesConfig        string
	ProfileBaseDir     string
	BrowserHeadless    bool
	BrowserChannel     string
	BrowserSkipInstall bool

	// Auth renewal
	AuthMaxAttempts         int
	AuthRetryPause          time.Duration
	AuthStepTimeout         time.Duration
	LoginRatePerMinute      int
	CircuitFailureThreshold int
	CircuitCooldown         time.Duration

	// User sessions
	UserSessionMaxAge    time.Duration
	NotifyCooldown       time.Duration
	NotifyWebhookURL     string
	NotifyWebhookTimeout time.Duration
	SessionRetentionDays int

	// Workers
	KeepaliveInterval      time.Duration
	KeepaliveMaxConcurrent int
	CleanupInterval        time.Duration

	// Rate Limit
	RateLimitUploads int

	// Logging
	LogLevel string

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// 鍵の妥当性はvaultが検証する。未設定でも起動はし、暗号操作だけが失敗する
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	// Optional fields with defaults
	cfg.VaultSaltFile = getEnvString("VAULT_SALT_FILE", "data/vault.salt")
	cfg.SitesConfig = getEnvString("SITES_CONFIG", "config/sites.yaml")
	cfg.ProfileBaseDir = getEnvString("PROFILE_BASE_DIR", "data/profiles")
	cfg.BrowserHeadless = getEnvBool("BROWSER_HEADLESS", true)
	cfg.BrowserChannel = getEnvString("BROWSER_CHANNEL", "")
	cfg.BrowserSkipInstall = getEnvBool("BROWSER_SKIP_INSTALL", false)
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBConnectTimeout = getEnvDuration("DB_CONNECT_TIMEOUT", 5*time.Second)
	cfg.AuthMaxAttempts = getEnvInt("AUTH_MAX_ATTEMPTS", 3)
	cfg.AuthRetryPause = getEnvDuration("AUTH_RETRY_PAUSE", 5*time.Second)
	cfg.AuthStepTimeout = getEnvDuration("AUTH_STEP_TIMEOUT", 30*time.Second)
	cfg.LoginRatePerMinute = getEnvInt("LOGIN_RATE_PER_MINUTE", 6)
	cfg.CircuitFailureThreshold = getEnvInt("CIRCUIT_FAILURE_THRESHOLD", 5)
	cfg.CircuitCooldown = getEnvDuration("CIRCUIT_COOLDOWN", 5*time.Minute)
	cfg.UserSessionMaxAge = getEnvDuration("USER_SESSION_MAX_AGE", 7*24*time.Hour)
	cfg.NotifyCooldown = getEnvDuration("NOTIFY_COOLDOWN", 6*time.Hour)
	cfg.NotifyWebhookURL = getEnvString("NOTIFY_WEBHOOK_URL", "")
	cfg.NotifyWebhookTimeout = getEnvDuration("NOTIFY_WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.SessionRetentionDays = getEnvInt("SESSION_RETENTION_DAYS", 30)
	cfg.KeepaliveInterval = getEnvDuration("KEEPALIVE_INTERVAL", 30*time.Minute)
	cfg.KeepaliveMaxConcurrent = getEnvInt("KEEPALIVE_MAX_CONCURRENT", 2)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.RateLimitUploads = getEnvInt("RATE_LIMIT_UPLOADS", 10)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
