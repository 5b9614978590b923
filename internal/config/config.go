// Package config loads service settings from defaults, an optional YAML file
// and DOCSIGN_* environment variables, in that order of precedence.
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

type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	BaseURL         string        `yaml:"base_url"`
	PostgresDSN     string        `yaml:"pg_dsn"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	Auth      AuthConfig      `yaml:"auth"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Artifacts ArtifactConfig  `yaml:"artifacts"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// SMTPConfig with an empty Host selects the logging sender.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	TLS      string `yaml:"tls"` // none | opportunistic | mandatory
	SSL      bool   `yaml:"ssl"`
}

type ArtifactConfig struct {
	Backend    string `yaml:"backend"` // fs | s3 | memory
	Dir        string `yaml:"dir"`
	S3Bucket   string `yaml:"s3_bucket"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
}

type DeliveryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		BaseURL:         "http://localhost:3000",
		ShutdownTimeout: 10 * time.Second,
		MaxBodyBytes:    32 << 20,
		Auth:            AuthConfig{TokenTTL: 7 * 24 * time.Hour},
		SMTP:            SMTPConfig{Port: 587, From: "docsign <no-reply@localhost>", TLS: "opportunistic"},
		Artifacts:       ArtifactConfig{Backend: "fs", Dir: "data/artifacts"},
		Delivery: DeliveryConfig{
			MaxAttempts:     3,
			PollInterval:    time.Second,
			BackoffBase:     500 * time.Millisecond,
			BackoffMax:      10 * time.Second,
			DispatchTimeout: time.Minute,
		},
		RateLimit: RateLimitConfig{PerSecond: 5, Burst: 20},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate reports settings that would prevent the service from starting.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret (DOCSIGN_AUTH_SECRET) is required"))
	}
	switch c.Artifacts.Backend {
	case "fs":
		if c.Artifacts.Dir == "" {
			errs = append(errs, errors.New("artifacts.dir is required for the fs backend"))
		}
	case "s3":
		if c.Artifacts.S3Bucket == "" {
			errs = append(errs, errors.New("artifacts.s3_bucket is required for the s3 backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown artifacts.backend %q", c.Artifacts.Backend))
	}
	switch c.SMTP.TLS {
	case "", "none", "opportunistic", "mandatory":
	default:
		errs = append(errs, fmt.Errorf("unknown smtp.tls %q", c.SMTP.TLS))
	}
	if c.Delivery.MaxAttempts <= 0 {
		errs = append(errs, errors.New("delivery.max_attempts must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(c *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("DOCSIGN_HTTP_ADDR", &c.HTTPAddr)
	str("DOCSIGN_GRPC_ADDR", &c.GRPCAddr)
	str("DOCSIGN_BASE_URL", &c.BaseURL)
	str("DOCSIGN_PG_DSN", &c.PostgresDSN)
	duration("DOCSIGN_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	if v, ok := lookup("DOCSIGN_CORS_ORIGINS"); ok {
		c.CORSOrigins = splitList(v)
	}

	str("DOCSIGN_AUTH_SECRET", &c.Auth.Secret)
	duration("DOCSIGN_AUTH_TOKEN_TTL", &c.Auth.TokenTTL)

	str("DOCSIGN_SMTP_HOST", &c.SMTP.Host)
	integer("DOCSIGN_SMTP_PORT", &c.SMTP.Port)
	str("DOCSIGN_SMTP_USERNAME", &c.SMTP.Username)
	str("DOCSIGN_SMTP_PASSWORD", &c.SMTP.Password)
	str("DOCSIGN_SMTP_FROM", &c.SMTP.From)
	str("DOCSIGN_SMTP_TLS", &c.SMTP.TLS)
	boolean("DOCSIGN_SMTP_SSL", &c.SMTP.SSL)

	str("DOCSIGN_ARTIFACTS_BACKEND", &c.Artifacts.Backend)
	str("DOCSIGN_ARTIFACTS_DIR", &c.Artifacts.Dir)
	str("DOCSIGN_S3_BUCKET", &c.Artifacts.S3Bucket)
	str("DOCSIGN_S3_REGION", &c.Artifacts.S3Region)
	str("DOCSIGN_S3_ENDPOINT", &c.Artifacts.S3Endpoint)

	integer("DOCSIGN_DELIVERY_MAX_ATTEMPTS", &c.Delivery.MaxAttempts)
	duration("DOCSIGN_DELIVERY_POLL_INTERVAL", &c.Delivery.PollInterval)
	duration("DOCSIGN_DELIVERY_BACKOFF_BASE", &c.Delivery.BackoffBase)
	duration("DOCSIGN_DELIVERY_BACKOFF_MAX", &c.Delivery.BackoffMax)

	if v, ok := lookup("DOCSIGN_RATE_LIMIT_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("DOCSIGN_RATE_LIMIT_PER_SECOND: %w", err))
		} else {
			c.RateLimit.PerSecond = f
		}
	}
	integer("DOCSIGN_RATE_LIMIT_BURST", &c.RateLimit.Burst)

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
