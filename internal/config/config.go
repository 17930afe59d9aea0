// Package config loads relayd configuration.
//
// Values come from three sources, later ones winning: built-in defaults, a
// YAML file, and RELAY_* environment variables. The result is validated
// before use.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/input-output-hk/catalyst-forge-libs/relay"
	"github.com/input-output-hk/catalyst-forge-libs/relay/gateway"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/frame"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/handler"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/scheduler"
	"github.com/input-output-hk/catalyst-forge-libs/relay/internal/validation"
)

// Storage backends.
const (
	BackendS3     = "s3"
	BackendMinio  = "minio"
	BackendMemory = "memory"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "RELAY_CONFIG_PATH"

// Config holds the complete relayd configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" json:"server"`
	Upload  UploadConfig  `yaml:"upload" json:"upload"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds listener and admission settings
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	Port            int           `yaml:"port" json:"port"`
	PoolSize        int           `yaml:"poolSize" json:"poolSize"`
	QueueCapacity   int           `yaml:"queueCapacity" json:"queueCapacity"`
	MaxPayloadBytes int64         `yaml:"maxPayloadBytes" json:"maxPayloadBytes"`
	ReadIdleTimeout time.Duration `yaml:"readIdleTimeout" json:"readIdleTimeout"`
	MaxEmptyReads   int           `yaml:"maxEmptyReads" json:"maxEmptyReads"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" json:"writeTimeout"`
	ShutdownGrace   time.Duration `yaml:"shutdownGrace" json:"shutdownGrace"`
}

// UploadConfig holds destination and retry settings
type UploadConfig struct {
	Bucket         string        `yaml:"bucket" json:"bucket"`
	KeyPrefix      string        `yaml:"keyPrefix" json:"keyPrefix"`
	Retries        int           `yaml:"uploadRetries" json:"uploadRetries"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay" json:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay" json:"retryMaxDelay"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout" json:"attemptTimeout"`
	VerifyBucket   bool          `yaml:"verifyBucket" json:"verifyBucket"`
}

// StorageConfig selects and configures the object store
type StorageConfig struct {
	Backend         string        `yaml:"backend" json:"backend"`
	Region          string        `yaml:"region" json:"region"`
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	ForcePathStyle  bool          `yaml:"forcePathStyle" json:"forcePathStyle"`
	UseSSL          bool          `yaml:"useSsl" json:"useSsl"`
	AccessKeyID     string        `yaml:"accessKeyId" json:"accessKeyId"`
	SecretAccessKey string        `yaml:"secretAccessKey" json:"-"`
	SessionToken    string        `yaml:"sessionToken" json:"-"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         "0.0.0.0",
			Port:            8080,
			PoolSize:        scheduler.DefaultPoolSize,
			QueueCapacity:   scheduler.DefaultQueueCapacity,
			MaxPayloadBytes: frame.DefaultMaxPayloadBytes,
			ReadIdleTimeout: frame.DefaultIdleTimeout,
			MaxEmptyReads:   frame.DefaultMaxEmptyReads,
			WriteTimeout:    handler.DefaultWriteTimeout,
			ShutdownGrace:   relay.DefaultShutdownGrace,
		},
		Upload: UploadConfig{
			Retries:        gateway.DefaultRetries,
			RetryBaseDelay: gateway.DefaultBaseDelay,
			RetryMaxDelay:  gateway.DefaultMaxDelay,
			VerifyBucket:   true,
		},
		Storage: StorageConfig{
			Backend: BackendS3,
			UseSSL:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the file at path and the
// environment. An empty path falls back to RELAY_CONFIG_PATH; with neither
// set, no file is read.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := loadFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := loadFromEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile overlays the YAML file at path onto cfg
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadFromEnv overrides cfg with RELAY_* environment variables. Malformed
// values are reported rather than ignored.
func loadFromEnv(cfg *Config) error {
	var errs []error

	// Server config
	envString("RELAY_SERVER_ADDRESS", &cfg.Server.Address)
	errs = append(errs,
		envInt("RELAY_SERVER_PORT", &cfg.Server.Port),
		envInt("RELAY_POOL_SIZE", &cfg.Server.PoolSize),
		envInt("RELAY_QUEUE_CAPACITY", &cfg.Server.QueueCapacity),
		envInt64("RELAY_MAX_PAYLOAD_BYTES", &cfg.Server.MaxPayloadBytes),
		envDuration("RELAY_READ_IDLE_TIMEOUT", &cfg.Server.ReadIdleTimeout),
		envInt("RELAY_MAX_EMPTY_READS", &cfg.Server.MaxEmptyReads),
		envDuration("RELAY_WRITE_TIMEOUT", &cfg.Server.WriteTimeout),
		envDuration("RELAY_SHUTDOWN_GRACE", &cfg.Server.ShutdownGrace),
	)

	// Upload config
	envString("RELAY_BUCKET", &cfg.Upload.Bucket)
	envString("RELAY_KEY_PREFIX", &cfg.Upload.KeyPrefix)
	errs = append(errs,
		envInt("RELAY_UPLOAD_RETRIES", &cfg.Upload.Retries),
		envDuration("RELAY_RETRY_BASE_DELAY", &cfg.Upload.RetryBaseDelay),
		envDuration("RELAY_RETRY_MAX_DELAY", &cfg.Upload.RetryMaxDelay),
		envDuration("RELAY_ATTEMPT_TIMEOUT", &cfg.Upload.AttemptTimeout),
		envBool("RELAY_VERIFY_BUCKET", &cfg.Upload.VerifyBucket),
	)

	// Storage config
	envString("RELAY_STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("RELAY_STORAGE_REGION", &cfg.Storage.Region)
	envString("RELAY_STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	envString("RELAY_STORAGE_ACCESS_KEY_ID", &cfg.Storage.AccessKeyID)
	envString("RELAY_STORAGE_SECRET_ACCESS_KEY", &cfg.Storage.SecretAccessKey)
	envString("RELAY_STORAGE_SESSION_TOKEN", &cfg.Storage.SessionToken)
	errs = append(errs,
		envBool("RELAY_STORAGE_FORCE_PATH_STYLE", &cfg.Storage.ForcePathStyle),
		envBool("RELAY_STORAGE_USE_SSL", &cfg.Storage.UseSSL),
		envDuration("RELAY_STORAGE_TIMEOUT", &cfg.Storage.Timeout),
	)

	// Logging config
	envString("RELAY_LOG_LEVEL", &cfg.Logging.Level)
	envString("RELAY_LOG_FORMAT", &cfg.Logging.Format)

	return errors.Join(errs...)
}

func envString(name string, dst *string) {
	if val := os.Getenv(name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", name, val)
	}
	*dst = n
	return nil
}

func envInt64(name string, dst *int64) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", name, val)
	}
	*dst = n
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", name, val)
	}
	*dst = d
	return nil
}

func envBool(name string, dst *bool) error {
	val := os.Getenv(name)
	if val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("%s: invalid boolean %q", name, val)
	}
	*dst = b
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.PoolSize < 1 {
		return fmt.Errorf("invalid pool size: %d", c.Server.PoolSize)
	}
	if c.Server.QueueCapacity < 0 {
		return fmt.Errorf("invalid queue capacity: %d", c.Server.QueueCapacity)
	}
	if c.Server.MaxPayloadBytes < 1 {
		return fmt.Errorf("invalid max payload bytes: %d", c.Server.MaxPayloadBytes)
	}
	if c.Server.MaxEmptyReads < 0 {
		return fmt.Errorf("invalid max empty reads: %d", c.Server.MaxEmptyReads)
	}
	if c.Server.WriteTimeout < 0 || c.Server.ShutdownGrace < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	if c.Upload.Retries < 0 {
		return fmt.Errorf("invalid upload retries: %d", c.Upload.Retries)
	}
	if c.Upload.RetryBaseDelay < 0 || c.Upload.RetryMaxDelay < c.Upload.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base %s, max %s", c.Upload.RetryBaseDelay, c.Upload.RetryMaxDelay)
	}
	if c.Upload.AttemptTimeout < 0 {
		return fmt.Errorf("invalid attempt timeout: %s", c.Upload.AttemptTimeout)
	}
	if err := validation.ValidateBucketName(c.Upload.Bucket); err != nil {
		return fmt.Errorf("invalid bucket: %w", err)
	}
	if err := validation.ValidateKeyPrefix(c.Upload.KeyPrefix); err != nil {
		return fmt.Errorf("invalid key prefix: %w", err)
	}

	switch c.Storage.Backend {
	case BackendS3, BackendMemory:
	case BackendMinio:
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("minio backend requires an endpoint")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}
	if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
		return fmt.Errorf("accessKeyId and secretAccessKey must be set together")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Address, strconv.Itoa(c.Server.Port))
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Logging.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
	return level, nil
}

// ToYAML renders the configuration with credentials masked.
func (c *Config) ToYAML() ([]byte, error) {
	redacted := *c
	if redacted.Storage.SecretAccessKey != "" {
		redacted.Storage.SecretAccessKey = redactedValue
	}
	if redacted.Storage.SessionToken != "" {
		redacted.Storage.SessionToken = redactedValue
	}
	return yaml.Marshal(&redacted)
}

const redactedValue = "REDACTED"
