// Package observability wires the consensus core into OpenTelemetry
// tracing and Prometheus metrics, following the teacher's observability
// package (observability.NewFactory, observability.Default used by
// consensus_recovery_test.go's observe.Tracer("")).
package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Observability groups the collaborators a component needs to report its
// behavior: a tracer, a meter and a structured logger.
type Observability interface {
	Tracer(name string, opts ...trace.TracerOption) trace.Tracer
	Meter(name string, opts ...metric.MeterOption) metric.Meter
	PrometheusRegisterer() prometheus.Registerer
	Logger() *slog.Logger
}

type factory struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	registerer     prometheus.Registerer
	log            *slog.Logger
}

// NewFactory builds production Observability: the global OTel providers
// (configured by the process entrypoint/exporter, out of this core's
// scope) plus a dedicated Prometheus registry and the given logger.
func NewFactory(log *slog.Logger) Observability {
	return &factory{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		registerer:     prometheus.NewRegistry(),
		log:            log,
	}
}

func (f *factory) Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return f.tracerProvider.Tracer(name, opts...)
}

func (f *factory) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	return f.meterProvider.Meter(name, opts...)
}

func (f *factory) PrometheusRegisterer() prometheus.Registerer {
	return f.registerer
}

func (f *factory) Logger() *slog.Logger {
	return f.log
}

// NOPObservability returns an Observability backed entirely by no-op
// providers - used by unit tests that do not assert on telemetry.
func NOPObservability() Observability {
	return &factory{
		tracerProvider: nooptrace.NewTracerProvider(),
		meterProvider:  noopmetric.NewMeterProvider(),
		registerer:     prometheus.NewRegistry(),
		log:            slog.Default(),
	}
}
