package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"chatengine/internal/constants"
	"chatengine/internal/models"
	"chatengine/internal/security"
)

var (
	ErrMissingDBPath      = models.ConfigError{Message: "missing database path"}
	ErrMissingMediaDir    = models.ConfigError{Message: "missing media cache directory"}
	ErrMissingWhatsAppURL = models.ConfigError{Message: "missing WhatsApp gateway URL"}
)

// Environment variables read after the config file. Secrets are only ever
// taken from the environment.
const (
	EnvMode                  = "CHATENGINE_ENV"
	EnvPort                  = "PORT"
	EnvAPIKey                = "CHATENGINE_API_KEY"
	EnvDBPath                = "DB_PATH"
	EnvMediaDir              = "MEDIA_DIR"
	EnvWhatsAppURL           = "WHATSAPP_API_URL"
	EnvWAHAAPIKey            = "WAHA_API_KEY"
	EnvWhatsAppWebhookSecret = "CHATENGINE_WHATSAPP_WEBHOOK_SECRET"
	EnvMetaAppSecret         = "META_APP_SECRET"
	EnvMetaVerifyToken       = "META_VERIFY_TOKEN"
	EnvS3AccessKey           = "S3_ACCESS_KEY"
	EnvS3SecretKey           = "S3_SECRET_KEY"
	EnvAMQPURL               = "AMQP_URL"
	EnvRedisURL              = "REDIS_URL"
	EnvLogLevel              = "LOG_LEVEL"
	EnvMaxSessions           = "MAX_SESSIONS"
)

const minSecretLength = 32

func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// IsProduction reports whether CHATENGINE_ENV selects production mode.
func IsProduction() bool {
	return os.Getenv(EnvMode) == "production"
}

// PlatformCaps merges configured per-minute send caps over the defaults.
func PlatformCaps(c *models.Config) map[models.Platform]int {
	caps := make(map[models.Platform]int, len(constants.DefaultPlatformRateLimits))
	for name, limit := range constants.DefaultPlatformRateLimits {
		caps[models.Platform(name)] = limit
	}
	for name, limit := range c.Engine.RateLimits {
		if limit > 0 {
			caps[models.Platform(strings.ToLower(name))] = limit
		}
	}
	return caps
}

func applyDefaults(c *models.Config) {
	if c.Server.Port == "" {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Server.RateLimitPerMinute <= 0 {
		c.Server.RateLimitPerMinute = 600
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = constants.DefaultMaxBodyBytes
	}

	e := &c.Engine
	if e.MaxSessions <= 0 {
		e.MaxSessions = constants.DefaultMaxSessions
	}
	if e.TickIntervalMs <= 0 {
		e.TickIntervalMs = constants.DefaultTickIntervalMs
	}
	if e.SendTimeoutMs <= 0 {
		e.SendTimeoutMs = constants.DefaultSendTimeoutMs
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = constants.DefaultMaxRetries
	}
	if e.RetryBaseDelayMs <= 0 {
		e.RetryBaseDelayMs = constants.DefaultRetryBaseDelayMs
	}
	if e.Workers <= 0 {
		e.Workers = constants.DefaultWorkers
	}
	if e.ReconnectDelaySec <= 0 {
		e.ReconnectDelaySec = constants.DefaultReconnectDelaySec
	}
	if e.ConnectTimeoutSec <= 0 {
		e.ConnectTimeoutSec = constants.DefaultConnectTimeoutSec
	}
	if e.HealthCheckSec <= 0 {
		e.HealthCheckSec = constants.DefaultSessionHealthCheckSec
	}
	if e.DedupeTTLMin <= 0 {
		e.DedupeTTLMin = constants.DefaultDedupeTTLMin
	}
	if e.DefaultRateLimit <= 0 {
		e.DefaultRateLimit = constants.DefaultRateLimitPerMinute
	}

	if c.Database.Path == "" {
		c.Database.Path = "chatengine.db"
	}
	if c.WhatsApp.TimeoutMs <= 0 {
		c.WhatsApp.TimeoutMs = constants.DefaultGatewayTimeoutMs
	}
	if c.Meta.GraphBaseURL == "" {
		c.Meta.GraphBaseURL = constants.DefaultGraphBaseURL
	}
	if c.Meta.APIVersion == "" {
		c.Meta.APIVersion = constants.DefaultGraphVersion
	}
	if c.Meta.TimeoutMs <= 0 {
		c.Meta.TimeoutMs = constants.DefaultGraphTimeoutMs
	}

	m := &c.Media
	if m.Storage == "" {
		m.Storage = constants.DefaultMediaStorage
	}
	if m.MaxSizeMB.Image == 0 {
		m.MaxSizeMB.Image = constants.DefaultMaxImageSizeMB
	}
	if m.MaxSizeMB.Video == 0 {
		m.MaxSizeMB.Video = constants.DefaultMaxVideoSizeMB
	}
	if m.MaxSizeMB.Audio == 0 {
		m.MaxSizeMB.Audio = constants.DefaultMaxAudioSizeMB
	}
	if m.MaxSizeMB.File == 0 {
		m.MaxSizeMB.File = constants.DefaultMaxFileSizeMB
	}
	if m.PublicBaseURL == "" {
		m.PublicBaseURL = c.Server.PublicBaseURL
	}

	n := &c.Notifier
	if n.WebSocketBuffer <= 0 {
		n.WebSocketBuffer = constants.DefaultWebSocketBuffer
	}
	if n.AMQPExchange == "" {
		n.AMQPExchange = constants.DefaultAMQPExchange
	}
	if n.RedisChannelPrefix == "" {
		n.RedisChannelPrefix = constants.DefaultRedisChannelPrefix
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.WhatsApp.APIBaseURL == "" {
		return ErrMissingWhatsAppURL
	}
	switch c.Media.Storage {
	case "local":
		if c.Media.CacheDir == "" {
			return ErrMissingMediaDir
		}
	case "s3":
		if c.Media.S3.Bucket == "" {
			return models.ConfigError{Message: "media.s3.bucket is required when media.storage is s3"}
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown media storage %q", c.Media.Storage)}
	}
	for name, limit := range c.Engine.RateLimits {
		if !models.Platform(strings.ToLower(name)).Valid() {
			return models.ConfigError{Message: fmt.Sprintf("rate limit for unknown platform %q", name)}
		}
		if limit < 0 {
			return models.ConfigError{Message: fmt.Sprintf("negative rate limit for %s", name)}
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing.sample_rate must be between 0 and 1"}
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&c.Server.Port, EnvPort)
	setString(&c.Server.APIKey, EnvAPIKey)
	setString(&c.Database.Path, EnvDBPath)
	setString(&c.Media.CacheDir, EnvMediaDir)
	setString(&c.WhatsApp.APIBaseURL, EnvWhatsAppURL)
	setString(&c.WhatsApp.APIKey, EnvWAHAAPIKey)
	setString(&c.WhatsApp.WebhookSecret, EnvWhatsAppWebhookSecret)
	setString(&c.Meta.AppSecret, EnvMetaAppSecret)
	setString(&c.Meta.VerifyToken, EnvMetaVerifyToken)
	setString(&c.Media.S3.AccessKey, EnvS3AccessKey)
	setString(&c.Media.S3.SecretKey, EnvS3SecretKey)
	setString(&c.Notifier.AMQPURL, EnvAMQPURL)
	setString(&c.Notifier.RedisURL, EnvRedisURL)
	setString(&c.LogLevel, EnvLogLevel)

	if v := os.Getenv(EnvMaxSessions); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.MaxSessions = n
		}
	}
}

// validateSecurity refuses unsafe settings in production and warns about
// them elsewhere.
func validateSecurity(c *models.Config) error {
	if !IsProduction() {
		if c.WhatsApp.WebhookSecret == "" {
			fmt.Fprintf(os.Stderr, "WARNING: WhatsApp webhook secret not set. Set %s for signature verification.\n", EnvWhatsAppWebhookSecret)
		}
		if c.Server.APIKey == "" {
			fmt.Fprintf(os.Stderr, "WARNING: API key not set. Set %s to protect the management API.\n", EnvAPIKey)
		}
		return nil
	}

	if c.Server.APIKey == "" {
		return models.ConfigError{Message: fmt.Sprintf("API key is required in production (set %s)", EnvAPIKey)}
	}
	if c.WhatsApp.WebhookSecret == "" {
		return models.ConfigError{Message: fmt.Sprintf("WhatsApp webhook secret is required in production (set %s)", EnvWhatsAppWebhookSecret)}
	}
	if len(c.WhatsApp.WebhookSecret) < minSecretLength {
		return models.ConfigError{Message: fmt.Sprintf("WhatsApp webhook secret must be at least %d characters long", minSecretLength)}
	}
	if c.Meta.AppSecret == "" {
		return models.ConfigError{Message: fmt.Sprintf("Meta app secret is required in production (set %s)", EnvMetaAppSecret)}
	}
	if c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
	}
	return nil
}
