package telemetry

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
)

// Config selects where a run logs to and whether it is traced and measured.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures the run logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error"`
	Format string `validate:"oneof=console json"`

	// Output is "stderr", "stdout" or a file path that is appended to.
	Output string

	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is "stdout" (pretty JSON on stderr), "otlp" (gRPC) or "none".
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector, e.g. "localhost:4317".
	Endpoint string
	Headers  map[string]string
	Insecure bool

	SamplingRate  float64 `validate:"gte=0,lte=1"`
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress serves Path over HTTP when set.
	ListenAddress string
	Path          string

	Namespace string
	Buckets   []float64
}

// DefaultConfig logs at info level to the console and records neither spans
// nor metrics.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "swirl",
		ServiceVersion: "dev",
		Logging:        LoggingConfig{Level: "info", Format: "console", Output: "stderr"},
		Tracing: TracingConfig{
			Exporter:      "stdout",
			Headers:       map[string]string{},
			Insecure:      true,
			SamplingRate:  1,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Path:      "/metrics",
			Namespace: "swirl",
			// commands can run for minutes, so the defaults get two longer buckets
			Buckets: slices.Concat(prometheus.DefBuckets, []float64{30, 60}),
		},
	}
}

var validate = validator.New()

// fieldProblems names the failing field for validator errors.
var fieldProblems = map[string]string{
	"ServiceName":  "service name is required",
	"Level":        "invalid log level",
	"Format":       "invalid log format",
	"Exporter":     "invalid trace exporter",
	"SamplingRate": "trace sampling rate must be between 0 and 1",
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	err := validate.Struct(c)

	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		f := fields[0]
		problem, ok := fieldProblems[f.Field()]
		if !ok {
			return err
		}
		if v := fmt.Sprint(f.Value()); v != "" {
			return fmt.Errorf("%s: %s", problem, v)
		}
		return errors.New(problem)
	}
	if err != nil {
		return err
	}

	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return errors.New("trace endpoint is required for the otlp exporter")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress != "" && c.Metrics.Path == "" {
		return errors.New("metrics path is required when serving metrics")
	}
	return nil
}
