package config

import "time"

// TransportMode selects how subscription notifications are received
type TransportMode string

const (
	TransportAuto      TransportMode = "auto"
	TransportWebSocket TransportMode = "websocket"
	TransportPolling   TransportMode = "polling"
)

// Config represents the main configuration structure
type Config struct {
	LogLevel       string               `json:"logLevel" yaml:"logLevel"`
	Unit           string               `json:"unit" yaml:"unit"`
	RequestTimeout int                  `json:"requestTimeout" yaml:"requestTimeout"` // ms
	Transport      TransportConfig      `json:"transport" yaml:"transport"`
	RateLimit      RateLimitConfig      `json:"rateLimit" yaml:"rateLimit"`
	Processor      ProcessorConfig      `json:"processor" yaml:"processor"`
	Watcher        WatcherConfig        `json:"watcher" yaml:"watcher"`
	MintInfoCache  MintInfoCacheConfig  `json:"mintInfoCache" yaml:"mintInfoCache"`
	CircuitBreaker CircuitBreakerConfig `json:"circuitBreaker" yaml:"circuitBreaker"`
	Mints          []MintConfig         `json:"mints" yaml:"mints"`
}

// TransportConfig configures the websocket and polling transports
type TransportConfig struct {
	Mode               TransportMode `json:"mode" yaml:"mode"`
	PollInterval       int           `json:"pollInterval" yaml:"pollInterval"`             // ms - minimum interval between polls per mint
	ReconnectBaseDelay int           `json:"reconnectBaseDelay" yaml:"reconnectBaseDelay"` // ms - first reconnect delay
	ReconnectMaxDelay  int           `json:"reconnectMaxDelay" yaml:"reconnectMaxDelay"`   // ms - reconnect delay plateau
	PingInterval       int           `json:"pingInterval" yaml:"pingInterval"`             // ms - keepalive ping period
	HandshakeTimeout   int           `json:"handshakeTimeout" yaml:"handshakeTimeout"`     // ms
}

// RateLimitConfig configures the outbound HTTP token bucket
type RateLimitConfig struct {
	Capacity           int      `json:"capacity" yaml:"capacity"`
	RefillPerMinute    int      `json:"refillPerMinute" yaml:"refillPerMinute"`
	BypassPathPrefixes []string `json:"bypassPathPrefixes" yaml:"bypassPathPrefixes"`
}

// ProcessorConfig configures the paid quote processor
type ProcessorConfig struct {
	ProcessInterval     int  `json:"processInterval" yaml:"processInterval"`           // ms
	MaxRetries          *int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"` // network retries per quote, 0 disables
	BaseRetryDelay      int  `json:"baseRetryDelay" yaml:"baseRetryDelay"`             // ms
	InitialEnqueueDelay int  `json:"initialEnqueueDelay" yaml:"initialEnqueueDelay"`   // ms
}

// WatcherConfig configures the quote and proof watchers
type WatcherConfig struct {
	WatchExistingPendingOnStart *bool `json:"watchExistingPendingOnStart,omitempty" yaml:"watchExistingPendingOnStart,omitempty"`
}

// MintInfoCacheConfig configures the mint capability cache
type MintInfoCacheConfig struct {
	Size int `json:"size" yaml:"size"` // number of mints
	TTL  int `json:"ttl" yaml:"ttl"`   // seconds
}

// CircuitBreakerConfig configures the per-mint circuit breaker of the HTTP client
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled"`
	FailureThreshold int  `json:"failureThreshold" yaml:"failureThreshold"` // consecutive failures before opening
	RecoveryTimeout  int  `json:"recoveryTimeout" yaml:"recoveryTimeout"`   // ms - open duration before a probe
}

// MintConfig represents a mint and the items to watch on it
type MintConfig struct {
	URL             string   `json:"url" yaml:"url"`
	Quotes          []string `json:"quotes" yaml:"quotes"`
	InflightSecrets []string `json:"inflightSecrets" yaml:"inflightSecrets"`
}

// Default values
const (
	DefaultLogLevel            = "info"
	DefaultUnit                = "sat"
	DefaultRequestTimeout      = 10000 // ms
	DefaultTransportMode       = TransportAuto
	DefaultPollInterval        = 5000  // ms
	DefaultReconnectBaseDelay  = 1000  // ms
	DefaultReconnectMaxDelay   = 30000 // ms
	DefaultPingInterval        = 30000 // ms
	DefaultHandshakeTimeout    = 10000 // ms
	DefaultRateLimitCapacity   = 25
	DefaultRefillPerMinute     = 25
	DefaultProcessInterval     = 3000 // ms
	DefaultMaxRetries          = 3
	DefaultBaseRetryDelay      = 5000 // ms
	DefaultInitialEnqueueDelay = 500  // ms
	DefaultMintInfoCacheSize   = 64
	DefaultMintInfoCacheTTL    = 300 // seconds
	DefaultBreakerThreshold    = 5
	DefaultBreakerRecovery     = 30000 // ms
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return ms(c.RequestTimeout)
}

// WatchExistingPendingOnStart reports whether pending quotes are loaded when the quote watcher starts
func (c *Config) WatchExistingPendingOnStart() bool {
	if c.Watcher.WatchExistingPendingOnStart == nil {
		return true
	}
	return *c.Watcher.WatchExistingPendingOnStart
}

// GetPollIntervalDuration returns the polling interval as time.Duration
func (t *TransportConfig) GetPollIntervalDuration() time.Duration {
	return ms(t.PollInterval)
}

// GetReconnectBaseDelayDuration returns the first reconnect delay as time.Duration
func (t *TransportConfig) GetReconnectBaseDelayDuration() time.Duration {
	return ms(t.ReconnectBaseDelay)
}

// GetReconnectMaxDelayDuration returns the reconnect delay cap as time.Duration
func (t *TransportConfig) GetReconnectMaxDelayDuration() time.Duration {
	return ms(t.ReconnectMaxDelay)
}

// GetPingIntervalDuration returns ping interval as time.Duration
func (t *TransportConfig) GetPingIntervalDuration() time.Duration {
	return ms(t.PingInterval)
}

// GetHandshakeTimeoutDuration returns websocket handshake timeout as time.Duration
func (t *TransportConfig) GetHandshakeTimeoutDuration() time.Duration {
	return ms(t.HandshakeTimeout)
}

// GetProcessIntervalDuration returns processor poll interval as time.Duration
func (p *ProcessorConfig) GetProcessIntervalDuration() time.Duration {
	return ms(p.ProcessInterval)
}

// GetMaxRetries returns the configured retry count, DefaultMaxRetries when unset
func (p *ProcessorConfig) GetMaxRetries() int {
	if p.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *p.MaxRetries
}

// GetBaseRetryDelayDuration returns the base retry delay as time.Duration
func (p *ProcessorConfig) GetBaseRetryDelayDuration() time.Duration {
	return ms(p.BaseRetryDelay)
}

// GetInitialEnqueueDelayDuration returns the initial enqueue delay as time.Duration
func (p *ProcessorConfig) GetInitialEnqueueDelayDuration() time.Duration {
	return ms(p.InitialEnqueueDelay)
}

// GetTTLDuration returns cache TTL as time.Duration
func (m *MintInfoCacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(m.TTL) * time.Second
}

// GetRecoveryTimeoutDuration returns the breaker recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return ms(c.RecoveryTimeout)
}
