// Package config loads client and server settings. Sources are layered:
// built-in defaults, then an optional YAML file, then an optional .env file,
// then FUNDUPLOAD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/gostones/fundupload/internal/logging"
)

const EnvPrefix = "FUNDUPLOAD"

// OriginConfig points at the application server that issues grants.
type OriginConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	GrantPath      string        `mapstructure:"grant_path"`
	ConfirmPath    string        `mapstructure:"confirm_path"`
	GrantTimeout   time.Duration `mapstructure:"grant_timeout"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

// TransferConfig bounds the storage transfer step.
type TransferConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig bounds a batch.
type SessionConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// RetryConfig is the automatic retry policy. MaxAttempts of 1 leaves retry
// to the caller.
type RetryConfig struct {
	MaxAttempts    uint          `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxJitter      time.Duration `mapstructure:"max_jitter"`
}

// Client is the uploader's configuration.
type Client struct {
	Origin   OriginConfig   `mapstructure:"origin"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Session  SessionConfig  `mapstructure:"session"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Log      logging.Config `mapstructure:"log"`
}

// Validate checks the client configuration.
func (c *Client) Validate() error {
	if c.Origin.BaseURL == "" {
		return fmt.Errorf("origin.base_url is required")
	}
	if c.Transfer.Timeout <= 0 {
		return fmt.Errorf("transfer.timeout must be positive (got: %s)", c.Transfer.Timeout)
	}
	if c.Session.Concurrency <= 0 {
		return fmt.Errorf("session.concurrency must be positive (got: %d)", c.Session.Concurrency)
	}
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	return nil
}

// StorageConfig describes the S3-compatible bucket the server signs for.
type StorageConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	Region          string        `mapstructure:"region"`
	Bucket          string        `mapstructure:"bucket"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	GrantExpiry     time.Duration `mapstructure:"grant_expiry"`
	TransferMethod  string        `mapstructure:"transfer_method"`
}

// HTTPConfig is the server listener.
type HTTPConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// RegistryConfig sizes the confirmed-object registry.
type RegistryConfig struct {
	Size int `mapstructure:"size"`
}

// Server is the origin server's configuration.
type Server struct {
	HTTP     HTTPConfig     `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Registry RegistryConfig `mapstructure:"registry"`
	Log      logging.Config `mapstructure:"log"`
}

// Validate checks the server configuration.
func (c *Server) Validate() error {
	if c.HTTP.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	switch strings.ToLower(c.Storage.TransferMethod) {
	case "put", "post":
	default:
		return fmt.Errorf("storage.transfer_method must be one of [put, post] (got: %s)", c.Storage.TransferMethod)
	}
	if c.Storage.GrantExpiry <= 0 {
		return fmt.Errorf("storage.grant_expiry must be positive")
	}
	return nil
}

func clientDefaults(v *viper.Viper) {
	v.SetDefault("origin.base_url", "http://localhost:4000")
	v.SetDefault("origin.grant_path", "/uploads/grant")
	v.SetDefault("origin.confirm_path", "/uploads/confirm")
	v.SetDefault("origin.grant_timeout", 10*time.Second)
	v.SetDefault("origin.confirm_timeout", 10*time.Second)
	v.SetDefault("transfer.timeout", 30*time.Second)
	v.SetDefault("session.concurrency", 4)
	v.SetDefault("retry.max_attempts", 1)
	v.SetDefault("retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("retry.max_backoff", 10*time.Second)
	v.SetDefault("retry.max_jitter", 250*time.Millisecond)
	logDefaults(v)
}

func serverDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":4000")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.region", "us-west-2")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.access_key_id", "")
	v.SetDefault("storage.secret_access_key", "")
	v.SetDefault("storage.force_path_style", true)
	v.SetDefault("storage.public_base_url", "")
	v.SetDefault("storage.grant_expiry", 15*time.Minute)
	v.SetDefault("storage.transfer_method", "put")
	v.SetDefault("registry.size", 10000)
	logDefaults(v)
}

func logDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
}

// Options selects explicit files. Empty paths are skipped.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// LoadClient loads the uploader configuration.
func LoadClient(opts Options) (*Client, error) {
	v, err := load(opts, clientDefaults)
	if err != nil {
		return nil, err
	}
	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, cfg.Validate()
}

// LoadServer loads the origin server configuration.
func LoadServer(opts Options) (*Server, error) {
	v, err := load(opts, serverDefaults)
	if err != nil {
		return nil, err
	}
	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, cfg.Validate()
}

func load(opts Options, defaults func(*viper.Viper)) (*viper.Viper, error) {
	if opts.EnvFile != "" {
		if _, err := os.Stat(opts.EnvFile); err == nil {
			if err := godotenv.Load(opts.EnvFile); err != nil {
				return nil, fmt.Errorf("failed to load env file %s: %w", opts.EnvFile, err)
			}
		}
	}

	v := viper.New()
	defaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}
