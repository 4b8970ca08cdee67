// Package config loads runtime settings for the relay from the environment,
// applying defaults and repairing out-of-range values.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrParsingConfig is returned when environment variables cannot be parsed into Config.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrInvalidPort is returned when the listening port is outside 0-65535.
	ErrInvalidPort = errors.New("port must be between 0 and 65535")

	// ErrLoadingEnvFile is returned when an explicitly requested .env file cannot be read.
	ErrLoadingEnvFile = errors.New("failed to load env file")
)

// RateLimitConfig defines the parameters for per-session message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"BURST" envDefault:"10"`
	RefillInterval time.Duration `env:"REFILL_INTERVAL" envDefault:"1s"`
}

// Config holds the relay configuration including admission controls.
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8888"`

	// AllowedAddresses lists IPs, CIDR prefixes or "*". Empty means unrestricted.
	AllowedAddresses         []string `env:"ALLOWED_ADDRESSES" envSeparator:","`
	MaxConnectionsPerAddress int      `env:"MAX_CONNECTIONS_PER_ADDRESS" envDefault:"2"`
	MaxMessageLength         int      `env:"MAX_MESSAGE_LENGTH" envDefault:"500"`
	MaxNameLength            int      `env:"MAX_NAME_LENGTH" envDefault:"30"`
	ReadBufferSize           int      `env:"READ_BUFFER_SIZE" envDefault:"4096"`

	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"0s"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT" envDefault:"0s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`

	AnnounceLeaves bool            `env:"ANNOUNCE_LEAVES" envDefault:"false"`
	RateLimit      RateLimitConfig `envPrefix:"RATE_LIMIT_"`

	// HTTPAddr enables the gateway serving /ws, /healthz and /metrics when set.
	HTTPAddr       string   `env:"HTTP_ADDR"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`

	// QUICAddr enables the QUIC listener when set.
	QUICAddr     string `env:"QUIC_ADDR"`
	QUICCertFile string `env:"QUIC_CERT_FILE"`
	QUICKeyFile  string `env:"QUIC_KEY_FILE"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// EnvPrefix is prepended to every variable name read by Load.
const EnvPrefix = "RELAY_"

// Default returns a Config populated only from the envDefault tags.
func Default() Config {
	var cfg Config
	// An empty environment cannot fail to parse; defaults are static.
	_ = env.ParseWithOptions(&cfg, env.Options{
		Environment: map[string]string{},
		Prefix:      EnvPrefix,
	})
	return cfg.Sanitize()
}

// Load reads the given .env files (or ./.env when none are given, ignoring a
// missing file), then parses RELAY_* variables into a sanitized Config.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, errors.Join(ErrLoadingEnvFile, err)
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}

	cfg = cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitize returns a copy of cfg with non-positive limits replaced by defaults
// and list entries trimmed.
func (cfg Config) Sanitize() Config {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.MaxConnectionsPerAddress <= 0 {
		cfg.MaxConnectionsPerAddress = 2
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 500
	}
	if cfg.MaxNameLength <= 0 {
		cfg.MaxNameLength = 30
	}
	if cfg.ReadBufferSize < 1024 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout < 0 {
		cfg.HandshakeTimeout = 0
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	cfg.AllowedAddresses = trimList(cfg.AllowedAddresses)
	cfg.AllowedOrigins = trimList(cfg.AllowedOrigins)
	return cfg
}

// Validate reports settings that cannot be repaired.
func (cfg Config) Validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Port)
	}
	return nil
}

// Addr returns the TCP listen address in host:port form.
func (cfg Config) Addr() string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}

func trimList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
