package telemetry

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	EnvTelemetryEnabled          = "OBSERVER_TELEMETRY_ENABLED"
	EnvTelemetryOTLPHTTPEndpoint = "OBSERVER_TELEMETRY_OTLP_HTTP_ENDPOINT"
	// EnvTelemetryHeaders is a comma separated list of key:value pairs.
	EnvTelemetryHeaders         = "OBSERVER_TELEMETRY_HEADERS"
	EnvTelemetryServiceName     = "OBSERVER_TELEMETRY_SERVICE_NAME"
	EnvTelemetryQueueCapacity   = "OBSERVER_TELEMETRY_QUEUE_CAPACITY"
	EnvTelemetryDebugSampleRate = "OBSERVER_TELEMETRY_DEBUG_SAMPLE_RATE"
	EnvTelemetryExportTimeout   = "OBSERVER_TELEMETRY_EXPORT_TIMEOUT"
	// EnvTelemetryLogLevel sets the minimum severity written to the
	// fallback writer when no collector is configured.
	EnvTelemetryLogLevel = "OBSERVER_TELEMETRY_LOG_LEVEL"
)

// RuntimeConfig is the environment-driven telemetry setup.
type RuntimeConfig struct {
	Enabled          bool              `env:"OBSERVER_TELEMETRY_ENABLED" envDefault:"true"`
	OTLPHTTPEndpoint string            `env:"OBSERVER_TELEMETRY_OTLP_HTTP_ENDPOINT"`
	Headers          map[string]string `env:"OBSERVER_TELEMETRY_HEADERS"`
	ServiceName      string            `env:"OBSERVER_TELEMETRY_SERVICE_NAME" envDefault:"observer-dispatch"`
	QueueCapacity    int               `env:"OBSERVER_TELEMETRY_QUEUE_CAPACITY" envDefault:"256"`
	DebugSampleRate  int               `env:"OBSERVER_TELEMETRY_DEBUG_SAMPLE_RATE" envDefault:"1"`
	ExportTimeout    time.Duration     `env:"OBSERVER_TELEMETRY_EXPORT_TIMEOUT" envDefault:"200ms"`
	LogLevel         Severity          `env:"OBSERVER_TELEMETRY_LOG_LEVEL" envDefault:"info"`
}

// RuntimeConfigFromEnv reads the telemetry settings. A non-nil environ
// replaces the process environment.
func RuntimeConfigFromEnv(environ map[string]string) (RuntimeConfig, error) {
	var cfg RuntimeConfig
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse telemetry env: %w", err)
	}

	var errs []error
	if cfg.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1", EnvTelemetryQueueCapacity))
	}
	if cfg.DebugSampleRate < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1", EnvTelemetryDebugSampleRate))
	}
	if cfg.ExportTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", EnvTelemetryExportTimeout))
	}
	switch cfg.LogLevel {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError:
	default:
		errs = append(errs, fmt.Errorf("%s must be one of debug, info, warn, error", EnvTelemetryLogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return RuntimeConfig{}, err
	}
	return cfg, nil
}

// NewPipelineFromEnv builds the process pipeline. It returns nil when
// telemetry is disabled. Without a collector endpoint, events go to
// fallback as JSON lines; a nil fallback discards them.
func NewPipelineFromEnv(environ map[string]string, fallback io.Writer) (*Pipeline, error) {
	cfg, err := RuntimeConfigFromEnv(environ)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}

	var sink Sink = discardSink{}
	switch {
	case cfg.OTLPHTTPEndpoint != "":
		otlp, err := NewOTLPHTTPSink(OTLPHTTPSinkConfig{
			Endpoint:    cfg.OTLPHTTPEndpoint,
			ServiceName: cfg.ServiceName,
			Headers:     cfg.Headers,
			Client:      &http.Client{Timeout: cfg.ExportTimeout},
		})
		if err != nil {
			return nil, err
		}
		sink = otlp
	case fallback != nil:
		sink = NewWriterSink(fallback, cfg.LogLevel)
	}

	return NewPipeline(sink, Config{
		QueueCapacity:   cfg.QueueCapacity,
		ExportTimeout:   cfg.ExportTimeout,
		DebugSampleRate: cfg.DebugSampleRate,
	}), nil
}
