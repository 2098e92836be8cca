// Package config loads the client configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/swappynest/internal/backoff"
)

// EnvConfigPath overrides the default configuration path.
const EnvConfigPath = "SWAPPYNEST_CONFIG"

// Config is the main configuration structure for the swappynest client.
type Config struct {
	Version int           `yaml:"version"`
	API     APIConfig     `yaml:"api"`
	Auth    AuthConfig    `yaml:"auth"`
	Chat    ChatConfig    `yaml:"chat"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type APIConfig struct {
	// BaseURL is the marketplace backend root, e.g. http://localhost:8000.
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// RetryDelay is the pause before resending a request that failed in transport.
	RetryDelay time.Duration `yaml:"retry_delay"`
}

type AuthConfig struct {
	RefreshTimeout time.Duration    `yaml:"refresh_timeout"`
	TokenStore     TokenStoreConfig `yaml:"token_store"`
}

type TokenStoreConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type ChatConfig struct {
	// WSBaseURL defaults to BaseURL with the scheme switched to ws/wss.
	WSBaseURL         string          `yaml:"ws_base_url"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
	CorrelationWindow time.Duration   `yaml:"correlation_window"`
	HandshakeTimeout  time.Duration   `yaml:"handshake_timeout"`
	PingInterval      time.Duration   `yaml:"ping_interval"`
	PongTimeout       time.Duration   `yaml:"pong_timeout"`
}

type ReconnectConfig struct {
	// Strategy is "fixed" or "exponential".
	Strategy string        `yaml:"strategy"`
	Delay    time.Duration `yaml:"delay"`
	Max      time.Duration `yaml:"max"`
	Factor   float64       `yaml:"factor"`
	Jitter   float64       `yaml:"jitter"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. 127.0.0.1:9464.
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Policy builds the reconnect delay policy.
func (r ReconnectConfig) Policy() backoff.Policy {
	if strings.EqualFold(r.Strategy, "exponential") {
		return backoff.Exponential{Initial: r.Delay, Max: r.Max, Factor: r.Factor, Jitter: r.Jitter}
	}
	return backoff.Fixed(r.Delay)
}

// DefaultPath returns $SWAPPYNEST_CONFIG or ~/.swappynest/config.yaml.
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".swappynest", "config.yaml")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, merges and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "http://localhost:8000"
	}
	cfg.API.BaseURL = strings.TrimRight(cfg.API.BaseURL, "/")
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 15 * time.Second
	}
	if cfg.API.RetryDelay == 0 {
		cfg.API.RetryDelay = 250 * time.Millisecond
	}
	if cfg.Auth.RefreshTimeout == 0 {
		cfg.Auth.RefreshTimeout = 10 * time.Second
	}
	if cfg.Auth.TokenStore.Driver == "" {
		cfg.Auth.TokenStore.Driver = "sqlite"
	}
	if cfg.Auth.TokenStore.Path == "" {
		cfg.Auth.TokenStore.Path = filepath.Join(filepath.Dir(DefaultPath()), "session.db")
	}
	if cfg.Chat.WSBaseURL == "" {
		cfg.Chat.WSBaseURL = websocketBase(cfg.API.BaseURL)
	}
	cfg.Chat.WSBaseURL = strings.TrimRight(cfg.Chat.WSBaseURL, "/")
	if cfg.Chat.Reconnect.Strategy == "" {
		cfg.Chat.Reconnect.Strategy = "fixed"
	}
	if cfg.Chat.Reconnect.Delay == 0 {
		cfg.Chat.Reconnect.Delay = 3 * time.Second
	}
	if strings.EqualFold(cfg.Chat.Reconnect.Strategy, "exponential") {
		if cfg.Chat.Reconnect.Max == 0 {
			cfg.Chat.Reconnect.Max = 30 * time.Second
		}
		if cfg.Chat.Reconnect.Factor == 0 {
			cfg.Chat.Reconnect.Factor = 2
		}
	}
	if cfg.Chat.CorrelationWindow == 0 {
		cfg.Chat.CorrelationWindow = 2 * time.Minute
	}
	if cfg.Chat.HandshakeTimeout == 0 {
		cfg.Chat.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Chat.PingInterval == 0 {
		cfg.Chat.PingInterval = 30 * time.Second
	}
	if cfg.Chat.PongTimeout == 0 {
		cfg.Chat.PongTimeout = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func websocketBase(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if err := validateURL("chat.ws_base_url", c.Chat.WSBaseURL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if c.API.Timeout < 0 || c.API.RetryDelay < 0 {
		errs = append(errs, errors.New("api.timeout and api.retry_delay must not be negative"))
	}
	if c.Auth.RefreshTimeout < 0 {
		errs = append(errs, errors.New("auth.refresh_timeout must not be negative"))
	}
	switch strings.ToLower(c.Auth.TokenStore.Driver) {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Auth.TokenStore.Path) == "" {
			errs = append(errs, errors.New("auth.token_store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.token_store.driver %q must be sqlite or memory", c.Auth.TokenStore.Driver))
	}
	switch strings.ToLower(c.Chat.Reconnect.Strategy) {
	case "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("chat.reconnect.strategy %q must be fixed or exponential", c.Chat.Reconnect.Strategy))
	}
	if c.Chat.Reconnect.Delay < 0 || c.Chat.Reconnect.Max < 0 {
		errs = append(errs, errors.New("chat.reconnect delays must not be negative"))
	}
	if c.Chat.Reconnect.Jitter < 0 || c.Chat.Reconnect.Jitter > 1 {
		errs = append(errs, errors.New("chat.reconnect.jitter must be between 0 and 1"))
	}
	if c.Chat.CorrelationWindow < 0 {
		errs = append(errs, errors.New("chat.correlation_window must not be negative"))
	}
	if c.Chat.PingInterval > 0 && c.Chat.PongTimeout > 0 && c.Chat.PongTimeout <= c.Chat.PingInterval {
		errs = append(errs, errors.New("chat.pong_timeout must exceed chat.ping_interval"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, errors.New("tracing.sampling_rate must be between 0 and 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %s URL", field, raw, strings.Join(schemes, "/"))
}
