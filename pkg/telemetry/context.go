package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/swirl/pkg/engine"
	"github.com/openfroyo/swirl/pkg/facts"
)

// Telemetry is the logger, tracer and metrics of one run, plus the engine
// callback that feeds the latter two.
type Telemetry struct {
	Config   *Config
	Logger   zerolog.Logger
	Tracer   *Tracer
	Metrics  *Metrics
	Callback *StateCallback

	logFile io.Closer
}

// NewTelemetry validates cfg and builds every part of it.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logFile, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tel := &Telemetry{Config: cfg, Logger: logger, logFile: logFile}

	if tel.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion); err != nil {
		return nil, errors.Join(err, tel.closeLog())
	}
	if tel.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, errors.Join(err, tel.closeLog())
	}
	tel.Callback = NewStateCallback(tel.Metrics, tel.Tracer)
	return tel, nil
}

// EngineOptions registers the callback on a state and as the observer of
// its fact cache.
func (t *Telemetry) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithCallbacks(t.Callback),
		engine.WithGatherer(facts.NewGatherer(facts.WithObserver(t.Callback))),
	}
}

// WithContext returns ctx carrying the run logger, tagged with runID and, when
// ctx holds a sampled span, its trace ID. Read it back with zerolog.Ctx.
func (t *Telemetry) WithContext(ctx context.Context, runID string) context.Context {
	zctx := t.Logger.With().Str("run_id", runID)
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() && sc.IsSampled() {
		zctx = zctx.Str("trace_id", sc.TraceID().String())
	}
	logger := zctx.Logger()
	return logger.WithContext(ctx)
}

func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Shutdown flushes spans, stops the metrics server and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
		t.closeLog(),
	)
}

func (t *Telemetry) closeLog() error {
	if t.logFile == nil {
		return nil
	}
	err := t.logFile.Close()
	t.logFile = nil
	return err
}
