package models

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Engine   EngineConfig   `json:"engine"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Meta     MetaConfig     `json:"meta"`
	Media    MediaConfig    `json:"media"`
	Notifier NotifierConfig `json:"notifier"`
	Retry    RetryConfig    `json:"retry"`
	Tracing  TracingConfig  `json:"tracing"`
	LogLevel string         `json:"log_level"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port               string `json:"port"`
	PublicBaseURL      string `json:"public_base_url"`
	ReadTimeoutSec     int    `json:"read_timeout_sec"`
	WriteTimeoutSec    int    `json:"write_timeout_sec"`
	IdleTimeoutSec     int    `json:"idle_timeout_sec"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	MaxBodyBytes       int64  `json:"max_body_bytes"`
	APIKey             string `json:"-"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// EngineConfig tunes the session registry and the outbound dispatcher
type EngineConfig struct {
	MaxSessions       int            `json:"max_sessions"`
	TickIntervalMs    int            `json:"tick_interval_ms"`
	SendTimeoutMs     int            `json:"send_timeout_ms"`
	MaxRetries        int            `json:"max_retries"`
	RetryBaseDelayMs  int            `json:"retry_base_delay_ms"`
	Workers           int            `json:"workers"`
	ReconnectDelaySec int            `json:"reconnect_delay_sec"`
	ConnectTimeoutSec int            `json:"connect_timeout_sec"`
	HealthCheckSec    int            `json:"health_check_sec"`
	DedupeTTLMin      int            `json:"dedupe_ttl_min"`
	DefaultRateLimit  int            `json:"default_rate_limit"`
	RateLimits        map[string]int `json:"rate_limits"`
}

// WhatsAppConfig holds settings for the WhatsApp HTTP gateway
type WhatsAppConfig struct {
	APIBaseURL    string `json:"api_base_url"`
	TimeoutMs     int    `json:"timeout_ms"`
	APIKey        string `json:"-"`
	WebhookSecret string `json:"-"`
}

// MetaConfig holds settings for the Facebook and Instagram Graph API
type MetaConfig struct {
	GraphBaseURL string `json:"graph_base_url"`
	APIVersion   string `json:"api_version"`
	TimeoutMs    int    `json:"timeout_ms"`
	AppSecret    string `json:"-"`
	VerifyToken  string `json:"-"`
}

// MediaConfig holds media storage and limit settings
type MediaConfig struct {
	Storage       string          `json:"storage"` // "local" or "s3"
	CacheDir      string          `json:"cache_dir"`
	PublicBaseURL string          `json:"public_base_url"`
	MaxSizeMB     MediaSizeLimits `json:"maxSizeMB"`
	S3            S3Config        `json:"s3"`
	// RetentionDays removes locally stored media older than this; 0 keeps it forever.
	RetentionDays int `json:"retention_days"`
}

// MediaSizeLimits defines size limits for different media types in MB
type MediaSizeLimits struct {
	Image int `json:"image"`
	Video int `json:"video"`
	Audio int `json:"audio"`
	File  int `json:"file"`
}

// S3Config holds object storage settings for uploaded media
type S3Config struct {
	Endpoint  string `json:"endpoint"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	PathStyle bool   `json:"path_style"`
	PublicURL string `json:"public_url"`
	AccessKey string `json:"-"`
	SecretKey string `json:"-"`
}

// NotifierConfig selects the real-time fan-out transports
type NotifierConfig struct {
	WebSocketBuffer    int    `json:"websocket_buffer"`
	AMQPURL            string `json:"amqp_url"`
	AMQPExchange       string `json:"amqp_exchange"`
	RedisURL           string `json:"redis_url"`
	RedisChannelPrefix string `json:"redis_channel_prefix"`
}

// RetryConfig holds retry related configurations for startup dependencies
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
