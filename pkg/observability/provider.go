package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ProviderConfig configures OTLP export.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	Insecure       bool
	Enabled        bool
}

// DefaultProviderConfig returns a development setup exporting everything
// to a local collector.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		ServiceName:    "mergeflow-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4317",
		SampleRate:     1.0,
		Insecure:       true,
		Enabled:        true,
	}
}

// Provider owns the OpenTelemetry trace and meter providers and adapts the
// meter to the Registry interface.
type Provider struct {
	cfg            ProviderConfig
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
}

// NewProvider initializes OTLP trace and metric export. A disabled config
// yields a provider whose registry silently no-ops via the global meter.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	p := &Provider{cfg: cfg}
	if !cfg.Enabled {
		p.tracer = otel.Tracer(cfg.ServiceName)
		p.meter = otel.Meter(cfg.ServiceName)
		return p, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: failed to build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: failed to create trace exporter: %w", err)
	}
	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	return p, nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// StartSpan opens a span and mirrors it into the in-process trace context
// so loggers pick up the span id.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	ctx = WithTrace(ctx, TraceContext{SpanID: span.SpanContext().SpanID().String()})
	return ctx, span
}

// Registry returns a metrics Registry backed by the OTel meter.
func (p *Provider) Registry() Registry {
	return &otelRegistry{meter: p.meter}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// otelRegistry adapts an OTel meter to the Registry interface. Instruments
// are created on first use and cached by name.
type otelRegistry struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

func attrsOf(labels Labels) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func (r *otelRegistry) Increment(name string, delta float64, labels Labels) {
	r.mu.Lock()
	if r.counters == nil {
		r.counters = make(map[string]metric.Float64Counter)
	}
	c, ok := r.counters[name]
	if !ok {
		var err error
		if c, err = r.meter.Float64Counter(name); err != nil {
			r.mu.Unlock()
			return
		}
		r.counters[name] = c
	}
	r.mu.Unlock()
	c.Add(context.Background(), delta, metric.WithAttributes(attrsOf(labels)...))
}

func (r *otelRegistry) Gauge(name string, value float64, labels Labels) {
	r.mu.Lock()
	if r.gauges == nil {
		r.gauges = make(map[string]metric.Float64Gauge)
	}
	g, ok := r.gauges[name]
	if !ok {
		var err error
		if g, err = r.meter.Float64Gauge(name); err != nil {
			r.mu.Unlock()
			return
		}
		r.gauges[name] = g
	}
	r.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(attrsOf(labels)...))
}

func (r *otelRegistry) Histogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	if r.histograms == nil {
		r.histograms = make(map[string]metric.Float64Histogram)
	}
	h, ok := r.histograms[name]
	if !ok {
		var err error
		if h, err = r.meter.Float64Histogram(name); err != nil {
			r.mu.Unlock()
			return
		}
		r.histograms[name] = h
	}
	r.mu.Unlock()
	h.Record(context.Background(), value, metric.WithAttributes(attrsOf(labels)...))
}

func (r *otelRegistry) Timer(name string, d time.Duration, labels Labels) {
	r.Histogram(name, float64(d.Milliseconds()), labels)
}

func (r *otelRegistry) StartTimer(name string, labels Labels) func() {
	start := time.Now()
	return func() { r.Timer(name, time.Since(start), labels) }
}
