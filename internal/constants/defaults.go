package constants

// Engine defaults
const (
	DefaultMaxSessions           = 100
	DefaultTickIntervalMs        = 1000
	DefaultSendTimeoutMs         = 30000
	DefaultMaxRetries            = 3
	DefaultRetryBaseDelayMs      = 1000
	DefaultWorkers               = 8
	DefaultReconnectDelaySec     = 5
	DefaultConnectTimeoutSec     = 60
	DefaultSessionHealthCheckSec = 30
	DefaultDedupeTTLMin          = 10
	DefaultRateLimitPerMinute    = 20
	DefaultRateWindowSec         = 60
)

// DefaultPlatformRateLimits are per-minute send caps; stricter platforms get less.
var DefaultPlatformRateLimits = map[string]int{
	"whatsapp":  20,
	"facebook":  20,
	"instagram": 10,
}

// Default polling and retry values for startup dependencies
const (
	DefaultRetryBackoffMs = 1000
	DefaultMaxBackoffMs   = 60000
	DefaultMaxAttempts    = 5
	DefaultServerPort     = "8082"
)

// Default media configuration values
const (
	DefaultMediaStorage     = "local"
	DefaultMaxImageSizeMB   = 5
	DefaultMaxVideoSizeMB   = 100
	DefaultMaxFileSizeMB    = 100
	DefaultMaxAudioSizeMB   = 16
	BytesPerMegabyte        = 1024 * 1024
	MediaDownloadTimeoutSec = 30
)

// Default timeout values
const (
	DefaultGatewayTimeoutMs           = 30000
	DefaultGraphTimeoutMs             = 15000
	DefaultDatabaseRetryAttempts      = 3
	DefaultGracefulShutdownSec        = 30
	DefaultSessionMonitorInitDelaySec = 10
	DefaultSessionStatusTimeoutSec    = 10
	DefaultServerReadTimeoutSec       = 15
	DefaultServerWriteTimeoutSec      = 15
	DefaultServerIdleTimeoutSec       = 60
	DefaultMaxBodyBytes               = 5 * 1024 * 1024
	ServerErrorChannelSize            = 1
)

// Circuit breaker defaults for provider HTTP clients
const (
	DefaultBreakerMaxFailures = 5
	DefaultBreakerTimeoutSec  = 30
)

// Notifier defaults
const (
	DefaultWebSocketBuffer    = 64
	DefaultAMQPExchange       = "chatengine.events"
	DefaultRedisChannelPrefix = "chatengine:"
	WebSocketPingIntervalSec  = 25
	WebSocketWriteTimeoutSec  = 10
)

// Meta Graph API defaults
const (
	DefaultGraphBaseURL = "https://graph.facebook.com"
	DefaultGraphVersion = "v19.0"
)

// Validation limits
const (
	MaxMessageIDLength   = 256
	MaxTenantIDLength    = 64
	MaxRecipientLength   = 128
	MaxTextLength        = 4096
	MinPhoneNumberLength = 8
)

// File permission constants
const (
	DefaultFilePermissions      = 0600
	DefaultDirectoryPermissions = 0750
)

// Encryption salts for credentials and lookup fields at rest
const (
	EncryptionSalt       = "chatengine-field-encryption-v1"
	EncryptionLookupSalt = "chatengine-lookup-v1"
)

// Privacy settings
const (
	DefaultPhoneMaskLength = 4
	DefaultMessageIDLength = 8
)
