// Package config loads donationcore settings from defaults, an optional YAML
// file and DONATIONCORE_* environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DONATIONCORE_"

// Config is the root configuration document.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Blob    BlobConfig    `yaml:"blob"`
	Email   EmailConfig   `yaml:"email"`
	Stripe  StripeConfig  `yaml:"stripe"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// HTTPConfig controls the webhook listener.
type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the document store backend.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // memory|sqlite|postgres
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DedupConfig selects the webhook event dedup cache.
type DedupConfig struct {
	Backend       string        `yaml:"backend"` // memory|redis
	Capacity      int           `yaml:"capacity"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
}

// BlobConfig selects where verified webhook payloads are archived.
type BlobConfig struct {
	Archive     bool   `yaml:"archive"`
	Driver      string `yaml:"driver"` // fs|s3|memory
	FSRoot      string `yaml:"fs_root"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Prefix    string `yaml:"s3_prefix"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// EmailConfig configures the outbound transport.
type EmailConfig struct {
	Transport     string        `yaml:"transport"` // http|log|memory
	Endpoint      string        `yaml:"endpoint"`
	APIKey        string        `yaml:"api_key"`
	From          string        `yaml:"from"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	DefaultLocale string        `yaml:"default_locale"`
}

// StripeConfig holds webhook verification settings.
type StripeConfig struct {
	WebhookSecret string        `yaml:"webhook_secret"`
	Tolerance     time.Duration `yaml:"tolerance"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
}

// MetricsConfig selects the service metrics recorder.
type MetricsConfig struct {
	Backend string `yaml:"backend"` // prometheus|expvar|none
}

// TracingConfig toggles OpenTelemetry spans around service operations.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ProcessingTimeout: 20 * time.Second,
			MaxBodyBytes:      1 << 16,
			ShutdownTimeout:   10 * time.Second,
		},
		Storage: StorageConfig{Driver: "sqlite", SQLitePath: "donationcore.db"},
		Dedup:   DedupConfig{Backend: "memory", Capacity: 1000, TTL: 5 * time.Minute, RedisPrefix: "donationcore:webhook:"},
		Blob:    BlobConfig{Driver: "fs", FSRoot: "./blobdata"},
		Email: EmailConfig{
			Transport:     "log",
			Timeout:       10 * time.Second,
			MaxRetries:    2,
			Burst:         1,
			DefaultLocale: "en",
		},
		Stripe:  StripeConfig{Tolerance: 5 * time.Minute},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Backend: "prometheus"},
		Tracing: TracingConfig{ServiceName: "donationcore"},
	}
}

// Load builds the effective configuration. The YAML file named by
// DONATIONCORE_CONFIG is applied when set.
func Load() (Config, error) {
	return LoadFile(os.Getenv(EnvPrefix + "CONFIG"))
}

// LoadFile applies the YAML file at path (skipped when empty) over the
// defaults, then environment overrides, then validates.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

type envBinder struct {
	lookup lookupFunc
	errs   []error
}

func (b *envBinder) str(name string, dst *string) {
	if v, ok := b.lookup(EnvPrefix + name); ok {
		*dst = v
	}
}

func (b *envBinder) boolean(name string, dst *bool) {
	if v, ok := b.lookup(EnvPrefix + name); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = parsed
	}
}

func (b *envBinder) integer(name string, dst *int) {
	if v, ok := b.lookup(EnvPrefix + name); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = parsed
	}
}

func (b *envBinder) integer64(name string, dst *int64) {
	if v, ok := b.lookup(EnvPrefix + name); ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = parsed
	}
}

func (b *envBinder) float(name string, dst *float64) {
	if v, ok := b.lookup(EnvPrefix + name); ok {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = parsed
	}
}

func (b *envBinder) duration(name string, dst *time.Duration) {
	if v, ok := b.lookup(EnvPrefix + name); ok {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = parsed
	}
}

func (c *Config) applyEnv(lookup lookupFunc) error {
	b := &envBinder{lookup: lookup}

	b.str("HTTP_ADDR", &c.HTTP.Addr)
	b.duration("HTTP_PROCESSING_TIMEOUT", &c.HTTP.ProcessingTimeout)
	b.integer64("HTTP_MAX_BODY_BYTES", &c.HTTP.MaxBodyBytes)
	b.duration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	b.str("STORAGE_DRIVER", &c.Storage.Driver)
	b.str("SQLITE_PATH", &c.Storage.SQLitePath)
	b.str("POSTGRES_DSN", &c.Storage.PostgresDSN)

	b.str("DEDUP_BACKEND", &c.Dedup.Backend)
	b.integer("DEDUP_CAPACITY", &c.Dedup.Capacity)
	b.duration("DEDUP_TTL", &c.Dedup.TTL)
	b.str("REDIS_ADDR", &c.Dedup.RedisAddr)
	b.str("REDIS_PASSWORD", &c.Dedup.RedisPassword)
	b.integer("REDIS_DB", &c.Dedup.RedisDB)

	b.boolean("BLOB_ARCHIVE", &c.Blob.Archive)
	b.str("BLOB_DRIVER", &c.Blob.Driver)
	b.str("BLOB_FS_ROOT", &c.Blob.FSRoot)
	b.str("BLOB_S3_BUCKET", &c.Blob.S3Bucket)
	b.str("BLOB_S3_REGION", &c.Blob.S3Region)
	b.str("BLOB_S3_ENDPOINT", &c.Blob.S3Endpoint)
	b.str("BLOB_S3_PREFIX", &c.Blob.S3Prefix)
	b.boolean("BLOB_S3_PATH_STYLE", &c.Blob.S3PathStyle)

	b.str("EMAIL_TRANSPORT", &c.Email.Transport)
	b.str("EMAIL_ENDPOINT", &c.Email.Endpoint)
	b.str("EMAIL_API_KEY", &c.Email.APIKey)
	b.str("EMAIL_FROM", &c.Email.From)
	b.duration("EMAIL_TIMEOUT", &c.Email.Timeout)
	b.integer("EMAIL_MAX_RETRIES", &c.Email.MaxRetries)
	b.float("EMAIL_RATE_PER_SECOND", &c.Email.RatePerSecond)
	b.integer("EMAIL_BURST", &c.Email.Burst)
	b.str("EMAIL_DEFAULT_LOCALE", &c.Email.DefaultLocale)

	b.str("STRIPE_WEBHOOK_SECRET", &c.Stripe.WebhookSecret)
	b.duration("STRIPE_TOLERANCE", &c.Stripe.Tolerance)

	b.str("LOG_LEVEL", &c.Log.Level)
	b.str("LOG_FORMAT", &c.Log.Format)
	b.str("METRICS_BACKEND", &c.Metrics.Backend)
	b.boolean("TRACING_ENABLED", &c.Tracing.Enabled)
	b.str("TRACING_SERVICE_NAME", &c.Tracing.ServiceName)

	return errors.Join(b.errs...)
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q (want one of %s)", field, value, strings.Join(allowed, ", "))
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(oneOf("storage.driver", c.Storage.Driver, "memory", "sqlite", "postgres"))
	add(oneOf("dedup.backend", c.Dedup.Backend, "memory", "redis"))
	add(oneOf("blob.driver", c.Blob.Driver, "fs", "s3", "memory"))
	add(oneOf("email.transport", c.Email.Transport, "http", "log", "memory"))
	add(oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error"))
	add(oneOf("log.format", c.Log.Format, "json", "text"))
	add(oneOf("metrics.backend", c.Metrics.Backend, "prometheus", "expvar", "none"))

	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn required for postgres driver"))
	}
	if c.Dedup.Backend == "redis" && c.Dedup.RedisAddr == "" {
		errs = append(errs, errors.New("dedup.redis_addr required for redis backend"))
	}
	if c.Dedup.Capacity <= 0 {
		errs = append(errs, errors.New("dedup.capacity must be positive"))
	}
	if c.Dedup.TTL <= 0 {
		errs = append(errs, errors.New("dedup.ttl must be positive"))
	}
	if c.Blob.Archive && c.Blob.Driver == "s3" && c.Blob.S3Bucket == "" {
		errs = append(errs, errors.New("blob.s3_bucket required for s3 driver"))
	}
	if c.Email.Transport == "http" && c.Email.Endpoint == "" {
		errs = append(errs, errors.New("email.endpoint required for http transport"))
	}
	if c.Email.RatePerSecond < 0 {
		errs = append(errs, errors.New("email.rate_per_second must not be negative"))
	}
	if c.HTTP.ProcessingTimeout <= 0 {
		errs = append(errs, errors.New("http.processing_timeout must be positive"))
	}
	return errors.Join(errs...)
}
