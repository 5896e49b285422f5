package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes config bytes, applies defaults and validates the result
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Default returns a config with every default applied and no mints
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.Unit == "" {
		cfg.Unit = DefaultUnit
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	t := &cfg.Transport
	if t.Mode == "" {
		t.Mode = DefaultTransportMode
	}
	if t.PollInterval == 0 {
		t.PollInterval = DefaultPollInterval
	}
	if t.ReconnectBaseDelay == 0 {
		t.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if t.ReconnectMaxDelay == 0 {
		t.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if t.PingInterval == 0 {
		t.PingInterval = DefaultPingInterval
	}
	if t.HandshakeTimeout == 0 {
		t.HandshakeTimeout = DefaultHandshakeTimeout
	}

	if cfg.RateLimit.Capacity == 0 {
		cfg.RateLimit.Capacity = DefaultRateLimitCapacity
	}
	if cfg.RateLimit.RefillPerMinute == 0 {
		cfg.RateLimit.RefillPerMinute = DefaultRefillPerMinute
	}

	p := &cfg.Processor
	if p.ProcessInterval == 0 {
		p.ProcessInterval = DefaultProcessInterval
	}
	if p.BaseRetryDelay == 0 {
		p.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if p.InitialEnqueueDelay == 0 {
		p.InitialEnqueueDelay = DefaultInitialEnqueueDelay
	}

	if cfg.MintInfoCache.Size == 0 {
		cfg.MintInfoCache.Size = DefaultMintInfoCacheSize
	}
	if cfg.MintInfoCache.TTL == 0 {
		cfg.MintInfoCache.TTL = DefaultMintInfoCacheTTL
	}

	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = DefaultBreakerThreshold
	}
	if cfg.CircuitBreaker.RecoveryTimeout == 0 {
		cfg.CircuitBreaker.RecoveryTimeout = DefaultBreakerRecovery
	}

	for i := range cfg.Mints {
		cfg.Mints[i].URL = strings.TrimRight(cfg.Mints[i].URL, "/")
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	switch cfg.Transport.Mode {
	case TransportAuto, TransportWebSocket, TransportPolling:
	default:
		return fmt.Errorf("transport.mode must be one of: auto, websocket, polling")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if cfg.Transport.PollInterval < 0 {
		return fmt.Errorf("transport.pollInterval must be non-negative")
	}
	if cfg.Transport.ReconnectBaseDelay < 0 || cfg.Transport.ReconnectMaxDelay < 0 {
		return fmt.Errorf("transport reconnect delays must be non-negative")
	}
	if cfg.Transport.ReconnectMaxDelay < cfg.Transport.ReconnectBaseDelay {
		return fmt.Errorf("transport.reconnectMaxDelay must be >= reconnectBaseDelay")
	}

	if cfg.RateLimit.Capacity < 1 {
		return fmt.Errorf("rateLimit.capacity must be positive")
	}
	if cfg.RateLimit.RefillPerMinute < 1 {
		return fmt.Errorf("rateLimit.refillPerMinute must be positive")
	}
	for _, prefix := range cfg.RateLimit.BypassPathPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("rateLimit.bypassPathPrefixes: '%s' must start with '/'", prefix)
		}
	}

	if cfg.CircuitBreaker.FailureThreshold < 0 || cfg.CircuitBreaker.RecoveryTimeout < 0 {
		return fmt.Errorf("circuitBreaker values must be non-negative")
	}

	if cfg.Processor.GetMaxRetries() < 0 {
		return fmt.Errorf("processor.maxRetries must be non-negative")
	}
	if cfg.Processor.ProcessInterval < 0 || cfg.Processor.BaseRetryDelay < 0 || cfg.Processor.InitialEnqueueDelay < 0 {
		return fmt.Errorf("processor intervals must be non-negative")
	}

	if cfg.MintInfoCache.Size < 0 || cfg.MintInfoCache.TTL < 0 {
		return fmt.Errorf("mintInfoCache size and ttl must be non-negative")
	}

	mintURLs := make(map[string]bool)
	for i, m := range cfg.Mints {
		if m.URL == "" {
			return fmt.Errorf("mints[%d]: url is required", i)
		}
		u, err := url.Parse(m.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("mints[%d]: url '%s' must be an absolute http(s) url", i, m.URL)
		}
		if mintURLs[m.URL] {
			return fmt.Errorf("mints[%d]: duplicate mint url '%s'", i, m.URL)
		}
		mintURLs[m.URL] = true
	}

	return nil
}
