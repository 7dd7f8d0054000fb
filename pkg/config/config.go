// Package config loads connector configuration from the environment, with
// an optional YAML file underneath. Precedence is defaults, then the file
// named by CONNECTOR_CONFIG, then environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Usage-control frameworks.
const (
	FrameworkInternal = "internal"
	FrameworkExternal = "external"
)

// Config holds connector configuration.
type Config struct {
	ConnectorID string `yaml:"connector_id"`
	BaseURI     string `yaml:"base_uri"`
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`
	// DatabaseURL selects Postgres. Empty runs in lite mode on SQLite under
	// DataDir.
	DatabaseURL string `yaml:"database_url"`
	DataDir     string `yaml:"data_dir"`

	Framework                   string        `yaml:"usage_control_framework"`
	ExternalPDPURL              string        `yaml:"external_pdp_url"`
	TolerateUnsupportedPatterns bool          `yaml:"tolerate_unsupported_patterns"`
	SweepInterval               time.Duration `yaml:"sweep_interval"`
	ClearingHouseURL            string        `yaml:"clearing_house_url"`
	ContractValidity            time.Duration `yaml:"contract_validity"`
	DATIssuer                   string        `yaml:"dat_issuer"`

	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Redis     RedisConfig     `yaml:"redis"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	API       APIConfig       `yaml:"api"`
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	// IssueTokens exposes POST /v1/tokens, which signs DATs with the
	// connector's own key. Only for single-connector test setups.
	IssueTokens bool `yaml:"issue_tokens"`
}

// ArtifactsConfig selects the payload backend.
type ArtifactsConfig struct {
	StorageType string `yaml:"storage_type"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
}

// RedisConfig enables the shared access counter when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DispatchConfig tunes outbound clearing-house and notification delivery.
type DispatchConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	MaxAttempts   int           `yaml:"max_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	RatePerSecond float64       `yaml:"rate_per_second"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ConnectorID:      "https://localhost/connector",
		Port:             "8080",
		LogLevel:         "INFO",
		DataDir:          "data",
		Framework:        FrameworkInternal,
		SweepInterval:    60 * time.Second,
		ContractValidity: 365 * 24 * time.Hour,
		Artifacts:        ArtifactsConfig{StorageType: "fs"},
		Dispatch: DispatchConfig{
			Workers:       4,
			QueueSize:     256,
			MaxAttempts:   5,
			RetryDelay:    time.Second,
			RatePerSecond: 50,
		},
		API: APIConfig{RatePerSecond: 20, Burst: 40},
	}
}

// Load builds the configuration from defaults, the optional file named by
// CONNECTOR_CONFIG and the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONNECTOR_CONFIG"); path != "" {
		if err := LoadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	e := &envReader{}
	e.str("CONNECTOR_ID", &cfg.ConnectorID)
	e.str("CONNECTOR_BASE_URI", &cfg.BaseURI)
	e.str("PORT", &cfg.Port)
	e.str("LOG_LEVEL", &cfg.LogLevel)
	e.str("DATABASE_URL", &cfg.DatabaseURL)
	e.str("DATA_DIR", &cfg.DataDir)
	e.str("USAGE_CONTROL_FRAMEWORK", &cfg.Framework)
	e.str("EXTERNAL_PDP_URL", &cfg.ExternalPDPURL)
	e.boolean("TOLERATE_UNSUPPORTED_PATTERNS", &cfg.TolerateUnsupportedPatterns)
	e.duration("SWEEP_INTERVAL", &cfg.SweepInterval)
	e.str("CLEARING_HOUSE_URL", &cfg.ClearingHouseURL)
	e.duration("CONTRACT_VALIDITY", &cfg.ContractValidity)
	e.str("DAT_ISSUER", &cfg.DATIssuer)

	e.str("ARTIFACT_STORAGE_TYPE", &cfg.Artifacts.StorageType)
	e.str("ARTIFACT_BUCKET", &cfg.Artifacts.Bucket)
	e.str("ARTIFACT_PREFIX", &cfg.Artifacts.Prefix)
	e.str("ARTIFACT_REGION", &cfg.Artifacts.Region)
	e.str("ARTIFACT_ENDPOINT", &cfg.Artifacts.Endpoint)

	e.str("REDIS_ADDR", &cfg.Redis.Addr)
	e.str("REDIS_PASSWORD", &cfg.Redis.Password)
	e.integer("REDIS_DB", &cfg.Redis.DB)

	e.integer("DISPATCH_WORKERS", &cfg.Dispatch.Workers)
	e.integer("DISPATCH_QUEUE_SIZE", &cfg.Dispatch.QueueSize)
	e.integer("DISPATCH_MAX_ATTEMPTS", &cfg.Dispatch.MaxAttempts)
	e.duration("DISPATCH_RETRY_DELAY", &cfg.Dispatch.RetryDelay)
	e.float("DISPATCH_RATE_PER_SECOND", &cfg.Dispatch.RatePerSecond)

	e.boolean("OTEL_ENABLED", &cfg.Telemetry.Enabled)
	e.str("OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	e.float("API_RATE_PER_SECOND", &cfg.API.RatePerSecond)
	e.integer("API_BURST", &cfg.API.Burst)
	e.boolean("API_ISSUE_TOKENS", &cfg.API.IssueTokens)
	return errors.Join(e.errs...)
}

// envReader overrides a field only when its variable is set and non-empty.
type envReader struct{ errs []error }

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

// Validate rejects configurations the connector cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.ConnectorID); err != nil || !u.IsAbs() {
		errs = append(errs, fmt.Errorf("CONNECTOR_ID %q must be an absolute URI", c.ConnectorID))
	}
	switch c.Framework {
	case FrameworkInternal:
	case FrameworkExternal:
		if c.ExternalPDPURL == "" {
			errs = append(errs, errors.New("EXTERNAL_PDP_URL is required for the external framework"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown USAGE_CONTROL_FRAMEWORK %q", c.Framework))
	}
	switch c.Artifacts.StorageType {
	case "fs", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("unknown ARTIFACT_STORAGE_TYPE %q", c.Artifacts.StorageType))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.ContractValidity <= 0 {
		errs = append(errs, errors.New("CONTRACT_VALIDITY must be positive"))
	}
	if c.Dispatch.Workers <= 0 || c.Dispatch.QueueSize <= 0 || c.Dispatch.MaxAttempts <= 0 {
		errs = append(errs, errors.New("dispatch workers, queue size and attempts must be positive"))
	}
	if c.Dispatch.RetryDelay < 0 || c.Dispatch.RatePerSecond < 0 {
		errs = append(errs, errors.New("dispatch retry delay and rate must not be negative"))
	}
	if c.API.RatePerSecond <= 0 || c.API.Burst <= 0 {
		errs = append(errs, errors.New("API rate and burst must be positive"))
	}
	return errors.Join(errs...)
}

// ParseLevel maps LOG_LEVEL to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}

// External reports whether decisions are delegated to a remote PDP.
func (c *Config) External() bool { return c.Framework == FrameworkExternal }
