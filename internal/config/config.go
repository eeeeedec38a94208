package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	State         StateConfig         `yaml:"state"`
	Storage       StorageConfig       `yaml:"storage"`
	Sink          SinkConfig          `yaml:"sink"`
	UsageAPI      UsageAPIConfig      `yaml:"usage_api"`
	Pacing        PacingConfig        `yaml:"pacing"`
	Review        ReviewConfig        `yaml:"review"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// StateConfig locates the per-session state records.
type StateConfig struct {
	Dir            string `yaml:"dir"`
	CleanupMaxDays int    `yaml:"cleanup_max_days"`
}

func (c StateConfig) CleanupMaxAge() time.Duration {
	return time.Duration(c.CleanupMaxDays) * 24 * time.Hour
}

// StorageConfig selects the historical-log driver.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// SinkConfig holds telemetry ingestion credentials.
type SinkConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	PublicKey     string `yaml:"public_key"`
	SecretKey     string `yaml:"secret_key"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	MaxFieldChars int    `yaml:"max_field_chars"`
}

func (c SinkConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Configured reports whether the sink has everything needed to push.
func (c SinkConfig) Configured() bool {
	return c.Enabled &&
		strings.TrimSpace(c.BaseURL) != "" &&
		strings.TrimSpace(c.PublicKey) != "" &&
		strings.TrimSpace(c.SecretKey) != ""
}

// UsageAPIConfig points at the usage snapshot endpoint.
type UsageAPIConfig struct {
	BaseURL   string `yaml:"base_url"`
	TokenPath string `yaml:"token_path"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func (c UsageAPIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// PacingConfig bounds the throttle behavior.
type PacingConfig struct {
	Enabled             bool `yaml:"enabled"`
	BaseDelaySeconds    int  `yaml:"base_delay_seconds"`
	MaxDelaySeconds     int  `yaml:"max_delay_seconds"`
	ThresholdPercent    int  `yaml:"threshold_percent"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds"`
	CleanupIntervalHrs  int  `yaml:"cleanup_interval_hours"`
	RetentionDays       int  `yaml:"retention_days"`
}

func (c PacingConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c PacingConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHrs) * time.Hour
}

func (c PacingConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ReviewConfig drives the completion reviewer.
type ReviewConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	TemplatePath string `yaml:"template_path"`
	TimeoutMS    int    `yaml:"timeout_ms"`
}

func (c ReviewConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "pacer"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		State: StateConfig{
			Dir:            "./data/state",
			CleanupMaxDays: 7,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/pacer.db",
		},
		Sink: SinkConfig{
			Enabled:       false,
			TimeoutMS:     10000,
			MaxFieldChars: 100_000,
		},
		UsageAPI: UsageAPIConfig{
			TimeoutMS: 5000,
		},
		Pacing: PacingConfig{
			Enabled:             false,
			BaseDelaySeconds:    5,
			MaxDelaySeconds:     350,
			ThresholdPercent:    0,
			PollIntervalSeconds: 60,
			CleanupIntervalHrs:  24,
			RetentionDays:       60,
		},
		Review: ReviewConfig{
			Enabled:   false,
			TimeoutMS: 30000,
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			// Reject multi-document configs to keep runtime configuration
			// unambiguous and avoid hidden trailing documents.
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.State.Dir) == "" {
		return errors.New("state.dir must not be empty")
	}
	if cfg.State.CleanupMaxDays <= 0 {
		return fmt.Errorf("state.cleanup_max_days must be > 0 (got %d)", cfg.State.CleanupMaxDays)
	}

	driver := strings.TrimSpace(cfg.Storage.Driver)
	switch driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if cfg.Sink.Enabled {
		if err := validateBaseURL("sink.base_url", cfg.Sink.BaseURL); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Sink.PublicKey) == "" || strings.TrimSpace(cfg.Sink.SecretKey) == "" {
			return errors.New("sink.public_key and sink.secret_key are required when sink.enabled=true")
		}
		if cfg.Sink.TimeoutMS <= 0 {
			return fmt.Errorf("sink.timeout_ms must be > 0 (got %d)", cfg.Sink.TimeoutMS)
		}
		if cfg.Sink.MaxFieldChars <= 0 {
			return fmt.Errorf("sink.max_field_chars must be > 0 (got %d)", cfg.Sink.MaxFieldChars)
		}
	}

	if cfg.Pacing.Enabled {
		if err := validateBaseURL("usage_api.base_url", cfg.UsageAPI.BaseURL); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.UsageAPI.TokenPath) == "" {
			return errors.New("usage_api.token_path is required when pacing.enabled=true")
		}
		if cfg.UsageAPI.TimeoutMS <= 0 {
			return fmt.Errorf("usage_api.timeout_ms must be > 0 (got %d)", cfg.UsageAPI.TimeoutMS)
		}
		if cfg.Pacing.BaseDelaySeconds <= 0 {
			return fmt.Errorf("pacing.base_delay_seconds must be > 0 (got %d)", cfg.Pacing.BaseDelaySeconds)
		}
		if cfg.Pacing.MaxDelaySeconds < cfg.Pacing.BaseDelaySeconds {
			return fmt.Errorf("pacing.max_delay_seconds must be >= pacing.base_delay_seconds (got %d < %d)", cfg.Pacing.MaxDelaySeconds, cfg.Pacing.BaseDelaySeconds)
		}
		if cfg.Pacing.ThresholdPercent < 0 || cfg.Pacing.ThresholdPercent > 100 {
			return fmt.Errorf("pacing.threshold_percent must be between 0 and 100 (got %d)", cfg.Pacing.ThresholdPercent)
		}
		if cfg.Pacing.PollIntervalSeconds <= 0 {
			return fmt.Errorf("pacing.poll_interval_seconds must be > 0 (got %d)", cfg.Pacing.PollIntervalSeconds)
		}
		if cfg.Pacing.RetentionDays <= 0 {
			return fmt.Errorf("pacing.retention_days must be > 0 (got %d)", cfg.Pacing.RetentionDays)
		}
	}

	if cfg.Review.Enabled {
		if strings.TrimSpace(cfg.Review.APIKey) == "" {
			return errors.New("review.api_key is required when review.enabled=true")
		}
		if cfg.Review.TimeoutMS <= 0 {
			return fmt.Errorf("review.timeout_ms must be > 0 (got %d)", cfg.Review.TimeoutMS)
		}
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateBaseURL(name, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, value)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if stateDir := os.Getenv("PACER_STATE_DIR"); stateDir != "" {
		cfg.State.Dir = stateDir
	}

	if storageDriver := os.Getenv("PACER_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("PACER_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("PACER_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if sinkEnabled := os.Getenv("PACER_SINK_ENABLED"); sinkEnabled != "" {
		v, err := strconv.ParseBool(sinkEnabled)
		if err != nil {
			return fmt.Errorf("invalid PACER_SINK_ENABLED: %w", err)
		}
		cfg.Sink.Enabled = v
	}
	if sinkBaseURL := os.Getenv("PACER_SINK_BASE_URL"); sinkBaseURL != "" {
		cfg.Sink.BaseURL = sinkBaseURL
	}
	if sinkPublicKey := os.Getenv("PACER_SINK_PUBLIC_KEY"); sinkPublicKey != "" {
		cfg.Sink.PublicKey = sinkPublicKey
	}
	if sinkSecretKey := os.Getenv("PACER_SINK_SECRET_KEY"); sinkSecretKey != "" {
		cfg.Sink.SecretKey = sinkSecretKey
	}
	if maxFieldChars := os.Getenv("PACER_SINK_MAX_FIELD_CHARS"); maxFieldChars != "" {
		v, err := strconv.Atoi(maxFieldChars)
		if err != nil {
			return fmt.Errorf("invalid PACER_SINK_MAX_FIELD_CHARS: %w", err)
		}
		cfg.Sink.MaxFieldChars = v
	}

	if usageBaseURL := os.Getenv("PACER_USAGE_BASE_URL"); usageBaseURL != "" {
		cfg.UsageAPI.BaseURL = usageBaseURL
	}
	if usageTokenPath := os.Getenv("PACER_USAGE_TOKEN_PATH"); usageTokenPath != "" {
		cfg.UsageAPI.TokenPath = usageTokenPath
	}

	if pacingEnabled := os.Getenv("PACER_PACING_ENABLED"); pacingEnabled != "" {
		v, err := strconv.ParseBool(pacingEnabled)
		if err != nil {
			return fmt.Errorf("invalid PACER_PACING_ENABLED: %w", err)
		}
		cfg.Pacing.Enabled = v
	}
	if baseDelay := os.Getenv("PACER_PACING_BASE_DELAY_SECONDS"); baseDelay != "" {
		v, err := strconv.Atoi(baseDelay)
		if err != nil {
			return fmt.Errorf("invalid PACER_PACING_BASE_DELAY_SECONDS: %w", err)
		}
		cfg.Pacing.BaseDelaySeconds = v
	}
	if maxDelay := os.Getenv("PACER_PACING_MAX_DELAY_SECONDS"); maxDelay != "" {
		v, err := strconv.Atoi(maxDelay)
		if err != nil {
			return fmt.Errorf("invalid PACER_PACING_MAX_DELAY_SECONDS: %w", err)
		}
		cfg.Pacing.MaxDelaySeconds = v
	}
	if threshold := os.Getenv("PACER_PACING_THRESHOLD_PERCENT"); threshold != "" {
		v, err := strconv.Atoi(threshold)
		if err != nil {
			return fmt.Errorf("invalid PACER_PACING_THRESHOLD_PERCENT: %w", err)
		}
		cfg.Pacing.ThresholdPercent = v
	}
	if pollInterval := os.Getenv("PACER_PACING_POLL_INTERVAL_SECONDS"); pollInterval != "" {
		v, err := strconv.Atoi(pollInterval)
		if err != nil {
			return fmt.Errorf("invalid PACER_PACING_POLL_INTERVAL_SECONDS: %w", err)
		}
		cfg.Pacing.PollIntervalSeconds = v
	}

	if reviewEnabled := os.Getenv("PACER_REVIEW_ENABLED"); reviewEnabled != "" {
		v, err := strconv.ParseBool(reviewEnabled)
		if err != nil {
			return fmt.Errorf("invalid PACER_REVIEW_ENABLED: %w", err)
		}
		cfg.Review.Enabled = v
	}
	if reviewAPIKey := os.Getenv("PACER_REVIEW_API_KEY"); reviewAPIKey != "" {
		cfg.Review.APIKey = reviewAPIKey
	}
	if reviewModel := os.Getenv("PACER_REVIEW_MODEL"); reviewModel != "" {
		cfg.Review.Model = reviewModel
	}

	return applyOTelEnv(cfg)
}

func applyOTelEnv(cfg *Config) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Observability.OTel.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Observability.OTel.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Observability.OTel.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.Observability.OTel.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.Observability.OTel.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.Observability.OTel.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.Observability.OTel.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.Observability.OTel.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Observability.OTel.Enabled = true
	}

	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
