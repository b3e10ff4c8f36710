package server

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything the server reads at startup.
type Config struct {
	// Addr is the TCP address every shard listens on.
	Addr string `mapstructure:"addr" validate:"required,listen_addr"`

	// Shards is the number of independent event loops. Each gets its own
	// SO_REUSEPORT listener and its own slice of MaxConnections.
	Shards int `mapstructure:"shards" validate:"gte=1,lte=256"`

	// MaxConnections bounds concurrently open connections across all shards.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=1"`

	// IdleTimeout closes connections with no inbound bytes for this long.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"gte=1ms"`

	// SweepInterval is how often idle connections are looked for. It also
	// bounds how long a loop waits before noticing shutdown. The reactor
	// waits in whole milliseconds.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=1ms"`

	MaxHeaderSize int   `mapstructure:"max_header_size" validate:"gte=64"`
	MaxBodySize   int64 `mapstructure:"max_body_size" validate:"gte=0"`
	MaxHeaders    int   `mapstructure:"max_headers" validate:"gte=1,lte=1024"`

	// ReadLimit caps the bytes taken from one socket per readiness pass so a
	// fast sender cannot starve the rest of the shard. 0 disables it.
	ReadLimit int `mapstructure:"read_limit" validate:"gte=0"`

	// MaxEvents is the number of readiness notifications fetched per wait.
	MaxEvents int `mapstructure:"max_events" validate:"gte=1"`

	EnableKeepAlive bool `mapstructure:"enable_keep_alive"`
	EnableLogging   bool `mapstructure:"enable_logging"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`

	// StaticDir serves files for GET requests no route matches. Empty disables it.
	StaticDir string `mapstructure:"static_dir" validate:"omitempty,dirpath"`

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr" validate:"omitempty,listen_addr"`
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		Shards:          1,
		MaxConnections:  10000,
		IdleTimeout:     120 * time.Second,
		SweepInterval:   time.Second,
		MaxHeaderSize:   8192,
		MaxBodySize:     10 * 1024 * 1024, // 10MB
		MaxHeaders:      64,
		ReadLimit:       64 * 1024,
		MaxEvents:       256,
		EnableKeepAlive: true,
		EnableLogging:   false,
		LogLevel:        "info",
	}
}

// Limits derives the per-connection limits.
func (c *Config) Limits() Limits {
	return Limits{
		MaxHeaderSize: c.MaxHeaderSize,
		MaxBodySize:   c.MaxBodySize,
		MaxHeaders:    c.MaxHeaders,
		ReadLimit:     c.ReadLimit,
	}
}

// ShardCapacity splits MaxConnections across shards; the first shards take
// the remainder.
func (c *Config) ShardCapacity(shard int) int {
	shards := max(c.Shards, 1)
	n := c.MaxConnections / shards
	if shard < c.MaxConnections%shards {
		n++
	}
	return n
}

var (
	validate     = newValidator()
	hostValidate = validator.New()
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("listen_addr", isListenAddr)
	return v
}

// isListenAddr accepts host:port where host is empty, an IPv4 or IPv6
// literal, or an RFC 1123 hostname, and port is 0-65535.
func isListenAddr(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return false
	}
	if host == "" || net.ParseIP(host) != nil {
		return true
	}
	return hostValidate.Var(host, "hostname_rfc1123") == nil
}

// Validate checks struct tags and the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	if c.Shards > c.MaxConnections {
		return fmt.Errorf("shards: %d shards exceed max_connections %d", c.Shards, c.MaxConnections)
	}
	if c.SweepInterval > c.IdleTimeout {
		return fmt.Errorf("sweep_interval: %s is longer than idle_timeout %s", c.SweepInterval, c.IdleTimeout)
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// BindFlags registers command line flags for the settings most often
// overridden.
func BindFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("addr", d.Addr, "address to listen on")
	fs.Int("shards", d.Shards, "number of event loops")
	fs.Int("max-connections", d.MaxConnections, "maximum concurrent connections")
	fs.Duration("idle-timeout", d.IdleTimeout, "close connections idle for this long")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.Bool("enable-logging", d.EnableLogging, "log every request")
	fs.String("static-dir", d.StaticDir, "serve files from this directory")
	fs.String("metrics-addr", d.MetricsAddr, "serve Prometheus metrics on this address")
	fs.String("config", "", "path to a YAML or TOML config file")
}

// LoadConfig resolves configuration from defaults, an optional file,
// RAWEPOLL_* environment variables and flags, in increasing precedence.
func LoadConfig(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RAWEPOLL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("addr", d.Addr)
	v.SetDefault("shards", d.Shards)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("max_header_size", d.MaxHeaderSize)
	v.SetDefault("max_body_size", d.MaxBodySize)
	v.SetDefault("max_headers", d.MaxHeaders)
	v.SetDefault("read_limit", d.ReadLimit)
	v.SetDefault("max_events", d.MaxEvents)
	v.SetDefault("enable_keep_alive", d.EnableKeepAlive)
	v.SetDefault("enable_logging", d.EnableLogging)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("static_dir", d.StaticDir)
	v.SetDefault("metrics_addr", d.MetricsAddr)
}
